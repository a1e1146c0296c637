// Package stream implements the stream I/O engine: TCP and Unix domain
// listeners and connections, each side (read/write) independently armed
// or idle, with a FIFO accept backlog and a two-phase close. Sockets are
// raw non-blocking golang.org/x/sys/unix descriptors registered with the
// event-loop bridge's poller.
package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lunetrt/lunet/internal/anchor"
	"github.com/lunetrt/lunet/runtime"
)

// Proto selects the socket family.
type Proto string

const (
	ProtoTCP  Proto = "tcp"
	ProtoUnix Proto = "unix"
)

// Protocol-misuse and lifecycle errors surfaced to scripts.
var (
	ErrAnotherInProgress = errors.New("stream: another operation already in progress on this side")
	ErrClosed            = errors.New("stream: handle closed")
	ErrCancelled         = errors.New("stream: operation cancelled by close")
	ErrNotConnected      = errors.New("stream: handle not connected")
	ErrBadScheme         = errors.New("stream: unsupported proto")
)

// readBufferSizeDefault is the process-wide read chunk size, tunable via
// SetReadBufferSize.
var readBufferSizeDefault = 64 * 1024

// Listener is the handle returned by Listen. It stores the root state,
// never the creating fiber: the fiber that calls Listen may terminate
// immediately afterward while the listener keeps accepting.
type Listener struct {
	mu      sync.Mutex
	fd      int
	proto   Proto
	path    string // unix socket path, for unlink on close
	root    *runtime.Root
	backlog []*Client

	acceptResume func(any, error)

	closing bool
	closed  bool
}

// Client is a connected stream handle with independently armed read/write
// sides.
type Client struct {
	mu   sync.Mutex
	fd   int
	root *runtime.Root
	peer string

	readBufSize int

	readArmed  bool
	readResume func(any, error)

	writeArmed  bool
	writeResume func(any, error)
	writeBuf    []byte

	connectResume func(any, error)

	closing bool
	closed  bool
}

// Kind implements anchor.Handle.
func (l *Listener) Kind() anchor.Kind { return anchor.KindStream }

// Kind implements anchor.Handle.
func (c *Client) Kind() anchor.Kind { return anchor.KindStream }

func bindErr(op string, err error) error {
	return fmt.Errorf("stream: %s: %w", op, err)
}
