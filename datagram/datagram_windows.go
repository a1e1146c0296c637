//go:build windows

package datagram

import (
	"errors"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

// ErrUnsupportedPlatform mirrors stream's windows stub: this module follows
// the usual unix/windows split but only implements the unix backend.
var ErrUnsupportedPlatform = errors.New("datagram: unsupported platform")

func Bind(root *runtime.Root, host string, port int) (*Handle, error) {
	return nil, ErrUnsupportedPlatform
}

func Recv(f *fiber.Fiber, h *Handle) ([]byte, string, int, error) {
	return nil, "", 0, ErrUnsupportedPlatform
}

func Send(f *fiber.Fiber, h *Handle, host string, port int, payload []byte) error {
	return ErrUnsupportedPlatform
}

func Close(h *Handle) error {
	return ErrUnsupportedPlatform
}
