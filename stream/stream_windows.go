//go:build windows

package stream

import (
	"errors"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

// ErrUnsupportedPlatform is returned by every stream operation on
// platforms without a raw-socket backend wired up (this module follows
// the usual fd_unix/fd_windows split but only implements the unix
// backend).
var ErrUnsupportedPlatform = errors.New("stream: unsupported platform")

func Listen(root *runtime.Root, proto Proto, host string, port int) (*Listener, error) {
	return nil, ErrUnsupportedPlatform
}

func Accept(f *fiber.Fiber, l *Listener) (*Client, error) {
	return nil, ErrUnsupportedPlatform
}

func Connect(f *fiber.Fiber, root *runtime.Root, proto Proto, host string, port int) (*Client, error) {
	return nil, ErrUnsupportedPlatform
}

func Read(f *fiber.Fiber, c *Client) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func Write(f *fiber.Fiber, c *Client, payload []byte) error {
	return ErrUnsupportedPlatform
}

func Close(h any) error {
	return ErrUnsupportedPlatform
}

func GetPeerName(c *Client) (string, error) {
	return "", ErrUnsupportedPlatform
}

func SetReadBufferSize(n int) {}

func Unlink(path string) error {
	return ErrUnsupportedPlatform
}
