// Package bridge adapts github.com/joeycumines/go-eventloop's Loop into
// the five primitive kinds the rest of the runtime consumes: registered
// file descriptors (stream, datagram), timers (sleep), signals, and
// thread-pool work requests (DB, HTTPS). Every other package in this
// module is built on top of Bridge rather than importing eventloop
// directly, so the rest of the tree only ever sees this narrower,
// domain-shaped contract.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-eventloop"
)

// IOEvents re-exports the poller bitflags so callers never import eventloop
// directly.
type IOEvents = eventloop.IOEvents

const (
	EventRead  = eventloop.EventRead
	EventWrite = eventloop.EventWrite
)

// ErrClosed is returned by Bridge methods once Close has been called.
var ErrClosed = errors.New("bridge: loop is closed")

// Bridge owns the single go-eventloop.Loop backing a Root — one loop per
// process — and funnels every native I/O source through it.
type Bridge struct {
	loop *eventloop.Loop

	cancelSignals context.CancelFunc
}

// New constructs a Bridge around a freshly created Loop.
func New() (*Bridge, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("bridge: new loop: %w", err)
	}
	return &Bridge{loop: loop}, nil
}

// Run blocks the calling goroutine pumping the event loop until ctx is
// cancelled or Shutdown/Close is called. cmd/lunet-run calls this once the
// top-level script has finished spawning its initial fibers.
func (b *Bridge) Run(ctx context.Context) error {
	return b.loop.Run(ctx)
}

// Shutdown requests an orderly stop: in-flight internal/external work drains
// before Run returns.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.cancelSignals != nil {
		b.cancelSignals()
	}
	return b.loop.Shutdown(ctx)
}

// Close releases OS resources (wake pipe, poller fd) after Run has
// returned. It must not be called while Run is active.
func (b *Bridge) Close() error {
	return b.loop.Close()
}

// Submit queues fn to run on the loop thread from an external goroutine,
// behind any internally submitted work.
func (b *Bridge) Submit(fn func()) error {
	return b.loop.Submit(fn)
}

// SubmitInternal queues fn ahead of externally submitted work; used for
// callbacks that must run before the next round of newly arrived external
// tasks (timer fires, FD readiness callbacks, Promisify resolution).
func (b *Bridge) SubmitInternal(fn func()) error {
	return b.loop.SubmitInternal(fn)
}

// RegisterFD arms fd for readiness notifications. callback runs on the
// loop thread. Used by the stream and datagram packages to drive their
// armed/idle state machines.
func (b *Bridge) RegisterFD(fd int, events IOEvents, callback func(IOEvents)) error {
	return b.loop.RegisterFD(fd, events, callback)
}

// UnregisterFD removes fd from the poller. Part of the two-phase close
// discipline: always called before the fd itself is closed.
func (b *Bridge) UnregisterFD(fd int) error {
	return b.loop.UnregisterFD(fd)
}

// ModifyFD changes the armed event set for an already-registered fd, e.g.
// arming EventWrite only while a send buffer is non-empty.
func (b *Bridge) ModifyFD(fd int, events IOEvents) error {
	return b.loop.ModifyFD(fd, events)
}

// ScheduleTimer arms a one-shot timer backing clock.Sleep; fn fires on the
// loop thread once delay elapses.
func (b *Bridge) ScheduleTimer(delay time.Duration, fn func()) error {
	_, err := b.loop.ScheduleTimer(delay, fn)
	return err
}

// Offload runs fn on a pooled goroutine (UV_THREADPOOL_SIZE's spiritual
// equivalent: one goroutine per outstanding work request, not a fixed
// worker pool, matching Promisify's own design) and resolves the returned
// channel on the loop thread with either fn's result or its error. Used by
// dbpool and httpsclient for their "compute on a pool thread, resume the
// fiber on the loop thread" pattern.
func (b *Bridge) Offload(ctx context.Context, fn func(ctx context.Context) (any, error)) <-chan Outcome {
	p := b.loop.Promisify(ctx, fn)
	out := make(chan Outcome, 1)
	go func() {
		ch := p.ToChannel()
		result := <-ch
		switch p.State() {
		case eventloop.Rejected:
			if err, ok := result.(error); ok {
				out <- Outcome{Err: err}
			} else {
				out <- Outcome{Err: fmt.Errorf("bridge: offload rejected: %v", result)}
			}
		default:
			out <- Outcome{Value: result}
		}
		close(out)
	}()
	return out
}

// Outcome is the settled result of an Offload call.
type Outcome struct {
	Value any
	Err   error
}
