// Package datagram implements the datagram engine: a bound UDP socket
// with a permanently armed receive callback, an inbound queue delivered
// in arrival order, and single-in-flight sends. It shares stream's
// armed/idle side model, collapsed to a single receive callback feeding a
// FIFO inbox.
package datagram

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lunetrt/lunet/internal/anchor"
	"github.com/lunetrt/lunet/runtime"
)

var (
	ErrAnotherInProgress = errors.New("datagram: another recv already in progress")
	ErrClosed            = errors.New("datagram: handle closed")
	ErrCancelled         = errors.New("datagram: operation cancelled by close")
)

// inboxCap bounds the inbound queue: oldest entries are dropped first,
// observable through Dropped.
const inboxCap = 4096

// datagramEntry is one queued inbound packet.
type datagramEntry struct {
	data []byte
	host string
	port int
}

// Handle is a bound datagram socket.
type Handle struct {
	mu   sync.Mutex
	fd   int
	root *runtime.Root

	inbox   []datagramEntry
	dropped int64

	recvResume func(any, error)

	sendResume func(any, error)
	sendBuf    []byte
	sendAddr   any // unix.Sockaddr on platforms with a backend; opaque here

	closing bool
	closed  bool
}

// Kind implements anchor.Handle.
func (h *Handle) Kind() anchor.Kind { return anchor.KindDatagram }

// Dropped returns the number of inbound datagrams discarded because the
// inbox reached inboxCap before a fiber drained them.
func (h *Handle) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("datagram: %s: %w", op, err)
}
