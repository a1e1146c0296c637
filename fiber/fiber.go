// Package fiber implements cooperative script-level tasks: code that looks
// like it blocks (read, write, accept, sleep, db.query) but is actually
// suspended while the underlying I/O is driven by the event loop, then
// resumed with the operation's result once it completes.
//
// goja has no coroutine primitive of its own, so a Fiber here is a
// goroutine paired with a two-channel handoff: a step channel carries
// control INTO the fiber's goroutine, a yield channel carries control (and
// any blocking request) back OUT to the scheduler. A capacity-1 execution
// token additionally enforces that exactly one fiber's script code may be
// running (on any goroutine) at a time, matching the single-threaded
// semantics a coroutine host gives scripts for free.
package fiber

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lunetrt/lunet/internal/anchor"
)

var (
	// ErrNotInFiber is returned when a blocking-style operation is invoked
	// from a goroutine that isn't executing as a fiber.
	ErrNotInFiber = errors.New("fiber: operation requires an active fiber")

	// ErrDoubleResume is returned when a suspended fiber's resume callback
	// is invoked more than once.
	ErrDoubleResume = errors.New("fiber: fiber resumed twice")

	// ErrFiberFault marks a fiber whose goroutine exited without going
	// through the normal completion path (typically a recovered panic).
	ErrFiberFault = errors.New("fiber: fiber faulted")
)

// state is the lifecycle of a single Fiber.
type state int

const (
	stateRunnable state = iota
	stateSuspended
	stateDone
)

// yieldKind distinguishes why a fiber's goroutine handed control back to
// the Runtime.
type yieldKind int

const (
	yieldSuspend yieldKind = iota // fiber is parking on a blocking call
	yieldReturn                   // fiber's top-level function returned
	yieldPanic                    // fiber's top-level function panicked
)

// yieldMsg is sent from a fiber's goroutine back to whichever goroutine is
// currently holding the execution token on its behalf.
type yieldMsg struct {
	kind yieldKind
	err  error
}

// Fiber is one cooperatively scheduled thread of script execution.
type Fiber struct {
	id ID

	rt *Runtime

	step  chan resumeValue // Runtime -> fiber goroutine
	yield chan yieldMsg    // fiber goroutine -> Runtime

	state state

	resumeFired bool // guards against a resume callback firing twice

	// Err holds the fault that terminated the fiber, if any. Read by the
	// launcher to report FIBER_FAULT diagnostics once the fiber is done.
	Err error
}

// ID identifies a Fiber for diagnostics and for the anchor registry key
// used while it is suspended.
type ID uint64

// resumeValue carries the result of a blocking call back into the
// suspended fiber goroutine.
type resumeValue struct {
	result any
	err    error
}

// Runtime owns the single execution token shared by every Fiber it spawns,
// enforcing that only one fiber's script code runs at any instant —
// whether on the original spawning goroutine or a goroutine that resumed
// it after suspension.
type Runtime struct {
	token  chan struct{}
	nextID atomic.Uint64
	live   atomic.Int64

	// current is the fiber whose script code is executing right now, nil
	// between steps. Written only by the goroutine holding the execution
	// token immediately before control is handed to the fiber goroutine,
	// and cleared by the same goroutine once the fiber yields; the channel
	// handoffs order those writes against reads from inside the fiber.
	current *Fiber

	// Anchors, when set, is the registry each fiber anchors itself in for
	// the duration of every suspension: the anchor is created as the
	// fiber parks and released as it resumes, so an outstanding anchor is
	// exactly a suspended fiber, and the created/released counters feed
	// the shutdown balance check.
	Anchors *anchor.Registry[*Fiber]
}

// NewRuntime constructs a Runtime with its execution token available.
func NewRuntime() *Runtime {
	rt := &Runtime{token: make(chan struct{}, 1)}
	rt.token <- struct{}{}
	return rt
}

// acquire blocks until the execution token is available.
func (rt *Runtime) acquire() {
	<-rt.token
}

// release returns the execution token.
func (rt *Runtime) release() {
	rt.token <- struct{}{}
}

// Current returns the fiber whose script code the calling goroutine is
// executing, or nil if no fiber step is in progress. Blocking primitives
// use this for their NOT_IN_FIBER guard.
func (rt *Runtime) Current() *Fiber {
	return rt.current
}

// Exclusive runs fn while holding the execution token, serializing it
// against all fiber script execution. The launcher wraps top-level script
// evaluation in this: the script engine is single-threaded, and without
// the token a fiber resumed by a completion callback could otherwise run
// engine code concurrently with the top level.
func (rt *Runtime) Exclusive(fn func()) {
	rt.acquire()
	defer rt.release()
	fn()
}

// newFiber also counts the fiber as live immediately — before its first
// step runs — so an idle check cannot observe zero between SpawnVia
// enqueueing a fiber and the loop starting it.
func (rt *Runtime) newFiber() *Fiber {
	rt.live.Add(1)
	return &Fiber{
		id:    ID(rt.nextID.Add(1)),
		rt:    rt,
		step:  make(chan resumeValue),
		yield: make(chan yieldMsg),
	}
}

// Spawn starts a new Fiber running fn and drives it until it either
// completes or suspends on its first blocking call, returning once control
// comes back to the caller. fn receives the Fiber so blocking operations
// can call Suspend on it.
//
// Spawn blocks on the execution token, so it must not be called from
// inside a running fiber (the token is held on that fiber's behalf) — use
// SpawnVia there, which defers the first step to the loop thread.
func (rt *Runtime) Spawn(fn func(f *Fiber)) *Fiber {
	f := rt.newFiber()
	rt.start(f, fn)
	return f
}

// SpawnVia allocates the fiber immediately but schedules its first step
// through submit (the loop's internal task queue), so the new fiber begins
// at the tail of the current loop iteration. This is the path used when
// script code running inside one fiber spawns another: running the child
// synchronously would deadlock on the execution token the parent holds.
func (rt *Runtime) SpawnVia(submit func(func()) error, fn func(f *Fiber)) (*Fiber, error) {
	f := rt.newFiber()
	if err := submit(func() { rt.start(f, fn) }); err != nil {
		rt.live.Add(-1)
		return nil, err
	}
	return f, nil
}

// start acquires the execution token on f's behalf, launches its
// goroutine, and pumps it to its first yield.
func (rt *Runtime) start(f *Fiber, fn func(f *Fiber)) {
	rt.acquire()
	rt.current = f

	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.yield <- yieldMsg{kind: yieldPanic, err: fmt.Errorf("%w: %v", ErrFiberFault, r)}
			}
		}()
		fn(f)
		f.yield <- yieldMsg{kind: yieldReturn}
	}()

	rt.pump(f)
}

// pump waits for f's goroutine to yield (suspend/return/panic), records
// the new state, then releases the execution token. State must be settled
// before the token is released so that a completion callback racing in
// through ResumeOnLoop observes stateSuspended, never a stale
// stateRunnable.
func (rt *Runtime) pump(f *Fiber) *Fiber {
	msg := <-f.yield
	rt.current = nil
	switch msg.kind {
	case yieldSuspend:
		f.state = stateSuspended
	case yieldReturn, yieldPanic:
		f.state = stateDone
		f.Err = msg.err
		rt.live.Add(-1)
	}
	rt.release()
	return f
}

// Live returns the number of fibers that have started and not yet
// completed. The launcher treats zero as the loop having gone idle.
func (rt *Runtime) Live() int64 {
	return rt.live.Load()
}

// Suspend parks the calling fiber. register is invoked with a resume
// function the caller stashes wherever the eventual I/O completion
// callback can find it (an FD readiness handler, a timer callback, an
// Offload result). register runs BEFORE the execution token is released,
// so it is safe to, for example, arm an FD's poller registration inside
// register without racing a resume that fires before Suspend has finished
// parking.
//
// Suspend must only be called from inside the goroutine running a Fiber's
// fn; calling it otherwise is a programming error in this module, not a
// reachable user-facing condition, so it panics rather than returning
// ErrNotInFiber.
func (f *Fiber) Suspend(register func(resume func(result any, err error))) (any, error) {
	if f.rt.current != f {
		panic(ErrNotInFiber)
	}
	resume := func(result any, err error) {
		if f.resumeFired {
			panic(ErrDoubleResume)
		}
		f.resumeFired = true
		f.rt.ResumeOnLoop(f, result, err)
	}
	var anchorID anchor.ID
	if f.rt.Anchors != nil {
		anchorID = f.rt.Anchors.Create(f)
	}
	register(resume)

	f.yield <- yieldMsg{kind: yieldSuspend}
	rv := <-f.step
	f.resumeFired = false
	if f.rt.Anchors != nil {
		f.rt.Anchors.Release(anchorID)
	}
	return rv.result, rv.err
}

// resume hands a suspended fiber its blocking call's result and runs it
// until its next suspend/return/panic. The caller must already hold the
// execution token.
func (rt *Runtime) resume(f *Fiber, result any, err error) *Fiber {
	if f.state != stateSuspended {
		panic(ErrDoubleResume)
	}
	f.state = stateRunnable
	rt.current = f
	f.step <- resumeValue{result: result, err: err}
	return rt.pump(f)
}

// ResumeOnLoop acquires the execution token and resumes f. Completion
// callbacks invoke this once a fiber's pending I/O has settled. It blocks
// until the token is free, so it must itself be invoked from a context
// that does not already hold it — the loop thread calling into a
// readiness callback satisfies this, since script code only ever runs
// between callbacks, never re-entrantly from within the poller.
func (rt *Runtime) ResumeOnLoop(f *Fiber, result any, err error) {
	rt.acquire()
	rt.resume(f, result, err)
}

// Done reports whether f has returned or faulted.
func (f *Fiber) Done() bool { return f.state == stateDone }

// ID returns f's identifier.
func (f *Fiber) ID() ID { return f.id }
