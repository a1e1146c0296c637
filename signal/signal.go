// Package signal implements component G's signal.wait(name): a fiber
// suspends until the named OS signal is delivered, with at most one
// waiter per name — a second concurrent wait on the same name fails
// fast rather than silently queuing.
//
// The delivered os.Signal is posted into the loop via
// internal/bridge.SubmitInternal so the fiber resumes on the loop thread
// like every other blocking-style operation.
package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

// ErrAnotherInProgress is returned when a second fiber tries to wait on a
// name that already has a waiter.
var ErrAnotherInProgress = errors.New("signal: another wait already in progress for this name")

// Registry tracks outstanding waiters, one per signal name, for a single
// Root. It has no anchor.Handle identity of its own: it's process-wide
// infrastructure the launcher creates and hands to the script bindings,
// not a script-visible handle.
type Registry struct {
	mu      sync.Mutex
	root    *runtime.Root
	waiters map[string]func(any, error)
	chans   map[string]chan os.Signal
}

// NewRegistry constructs a Registry bound to root's bridge for posting
// resumes onto the loop thread.
func NewRegistry(root *runtime.Root) *Registry {
	return &Registry{
		root:    root,
		waiters: make(map[string]func(any, error)),
		chans:   make(map[string]chan os.Signal),
	}
}

// Wait suspends the calling fiber until sig is delivered to the process.
// name is the signal's canonical textual form (e.g. "SIGINT"), resolved
// by the caller; the script binding layer owns the name-to-os.Signal
// table.
func (r *Registry) Wait(f *fiber.Fiber, name string, sig os.Signal) (os.Signal, error) {
	r.mu.Lock()
	if _, busy := r.waiters[name]; busy {
		r.mu.Unlock()
		return nil, ErrAnotherInProgress
	}
	ch := make(chan os.Signal, 1)
	r.chans[name] = ch
	signal.Notify(ch, sig)
	r.mu.Unlock()

	go r.deliver(name, ch)

	v, err := f.Suspend(func(resume func(any, error)) {
		r.mu.Lock()
		r.waiters[name] = resume
		r.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return v.(os.Signal), nil
}

// deliver blocks on the OS signal channel (a real, unavoidable blocking
// wait on a goroutine outside the loop, the same shape as Offload's
// worker goroutines) and posts the result onto the loop thread once a
// signal arrives, so the waiting fiber resumes the way every other
// suspended fiber does.
func (r *Registry) deliver(name string, ch chan os.Signal) {
	got, ok := <-ch
	if !ok {
		return
	}
	_ = r.root.Bridge.SubmitInternal(func() {
		r.mu.Lock()
		resume := r.waiters[name]
		delete(r.waiters, name)
		delete(r.chans, name)
		r.mu.Unlock()
		signal.Stop(ch)
		if resume != nil {
			resume(got, nil)
		}
	})
}

// Cancel aborts a pending wait on name, if any, resolving its fiber with
// err, and stops OS delivery for that name.
func (r *Registry) Cancel(name string, err error) {
	r.mu.Lock()
	resume := r.waiters[name]
	delete(r.waiters, name)
	ch, ok := r.chans[name]
	delete(r.chans, name)
	r.mu.Unlock()

	if ok {
		signal.Stop(ch)
	}
	if resume != nil {
		// Resume via the loop thread so Cancel is safe to call from a
		// fiber holding the execution token, not just from shutdown code.
		_ = r.root.Bridge.SubmitInternal(func() { resume(nil, err) })
	}
}
