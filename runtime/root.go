// Package runtime ties together the pieces every other component needs a
// handle to: the goja script engine, the fiber scheduler, the anchor
// registry, the event-loop bridge, the diagnostic allocator, and the
// structured logger. This is the root state: the one process-wide owner
// every long-lived handle stores instead of the fiber that happened to
// create it.
package runtime

import (
	"os"

	"github.com/dop251/goja"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/internal/anchor"
	"github.com/lunetrt/lunet/internal/bridge"
	"github.com/lunetrt/lunet/internal/diagalloc"
)

// Log is the event type this module's logger is specialized to.
type Log = izerolog.Event

// Root is the process-wide state every handle-owning package anchors its
// callbacks against, rather than the fiber that happened to create the
// handle. A fiber's state dies with the fiber; the root state lives for
// the process, so callbacks resolving through it can never dangle.
type Root struct {
	VM      *goja.Runtime
	Bridge  *bridge.Bridge
	Fibers  *fiber.Runtime
	Anchors *anchor.Registry[*fiber.Fiber]
	Alloc   *diagalloc.Allocator
	Log     *logiface.Logger[*Log]
}

// Option configures a Root at construction time.
type Option func(*Root)

// WithAllocPolicy selects the diagnostic allocator's policy (release,
// trace, or arena).
func WithAllocPolicy(policy diagalloc.Policy) Option {
	return func(r *Root) { r.Alloc = diagalloc.New(policy) }
}

// WithLogLevel sets the minimum level the root logger writes.
func WithLogLevel(level logiface.Level) Option {
	return func(r *Root) {
		zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
		r.Log = logiface.New(izerolog.WithZerolog(zl), logiface.WithLevel[*Log](level))
	}
}

// New constructs a Root with a fresh event-loop bridge, goja runtime, fiber
// scheduler, and anchor registry.
func New(opts ...Option) (*Root, error) {
	b, err := bridge.New()
	if err != nil {
		return nil, err
	}

	r := &Root{
		VM:      goja.New(),
		Bridge:  b,
		Fibers:  fiber.NewRuntime(),
		Anchors: anchor.NewRegistry[*fiber.Fiber](),
	}
	// Every suspension anchors its fiber here, keeping the created/released
	// counters in step with actual parking.
	r.Fibers.Anchors = r.Anchors
	for _, o := range opts {
		o(r)
	}
	if r.Alloc == nil {
		r.Alloc = diagalloc.New(diagalloc.PolicyTrace)
	}
	if r.Log == nil {
		zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
		r.Log = logiface.New(izerolog.WithZerolog(zl), logiface.WithLevel[*Log](logiface.LevelInformational))
	}
	return r, nil
}

// Summary is the diagnostic report printed by cmd/lunet-run on exit.
type Summary struct {
	Alloc           diagalloc.Stats
	AnchorsCreated  int64
	AnchorsReleased int64
	Balanced        bool
}

// Summarize snapshots the allocator and anchor counters checked at
// shutdown.
func (r *Root) Summarize() Summary {
	created, released := r.Anchors.Counts()
	return Summary{
		Alloc:           r.Alloc.Stats(),
		AnchorsCreated:  created,
		AnchorsReleased: released,
		Balanced:        r.Anchors.Balanced() && r.Alloc.CheckBalance() == nil,
	}
}
