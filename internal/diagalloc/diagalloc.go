// Package diagalloc implements the diagnostic allocator layer described by
// the runtime core: typed alloc/free over byte buffers with canary
// verification, poison-on-free, counters, and an optional arena backend.
//
// Go's own allocator already manages memory safely; this package exists
// because Lunet's hardest failure mode is a buffer or op-context crossing
// the fiber/loop-thread/pool-thread boundary after its owner believes it
// has been released. diagalloc gives every such buffer an explicit
// lifecycle that can be asserted at shutdown.
package diagalloc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Policy selects the allocator backend.
type Policy int

const (
	// PolicyRelease passes straight through to make([]byte, n) with zero
	// bookkeeping overhead.
	PolicyRelease Policy = iota
	// PolicyTrace appends a trailing canary footer, poisons on free, and
	// maintains counters. Detects double-free and canary corruption.
	PolicyTrace
	// PolicyArena routes allocations through a contiguous bump arena with
	// scoped sub-arenas for per-operation scratch.
	PolicyArena
)

func (p Policy) String() string {
	switch p {
	case PolicyRelease:
		return "release"
	case PolicyTrace:
		return "trace"
	case PolicyArena:
		return "arena"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ImbalanceError reports a non-zero alloc/free imbalance at shutdown.
type ImbalanceError struct {
	AllocCount int64
	FreeCount  int64
	InUse      int64
}

func (e *ImbalanceError) Error() string {
	return fmt.Sprintf("diagalloc: imbalance at shutdown: allocs=%d frees=%d in_use=%d bytes",
		e.AllocCount, e.FreeCount, e.InUse)
}

// ErrDoubleFree is returned (PolicyTrace only) when Free is called on a
// pointer that was already freed or was never allocated by this Allocator.
var ErrDoubleFree = fmt.Errorf("diagalloc: double free")

// ErrCanaryCorrupt is returned (PolicyTrace only) when the trailing canary
// footer does not match what was written at allocation time, indicating a
// buffer overrun.
var ErrCanaryCorrupt = fmt.Errorf("diagalloc: canary corrupt")

const canarySize = 8

// magic is written as the 8-byte footer of every trace-mode allocation.
const magic uint64 = 0xCA11AB1EF00DCAFE

// Stats is a point-in-time snapshot of allocator counters.
type Stats struct {
	AllocCount int64
	FreeCount  int64
	BytesIn    int64
	BytesOut   int64
	InUse      int64
	Peak       int64
}

type counters struct {
	allocCount atomic.Int64
	freeCount  atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	inUse      atomic.Int64
	peak       atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		AllocCount: c.allocCount.Load(),
		FreeCount:  c.freeCount.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		InUse:      c.inUse.Load(),
		Peak:       c.peak.Load(),
	}
}

func (c *counters) recordAlloc(n int) {
	c.allocCount.Add(1)
	c.bytesIn.Add(int64(n))
	inUse := c.inUse.Add(int64(n))
	for {
		peak := c.peak.Load()
		if inUse <= peak || c.peak.CompareAndSwap(peak, inUse) {
			return
		}
	}
}

func (c *counters) recordFree(n int) {
	c.freeCount.Add(1)
	c.bytesOut.Add(int64(n))
	c.inUse.Add(-int64(n))
}

// recordFrees settles a batch of allocations at once, the arena scope's
// O(1) release path.
func (c *counters) recordFrees(count, bytes int64) {
	c.freeCount.Add(count)
	c.bytesOut.Add(bytes)
	c.inUse.Add(-bytes)
}

// Allocator is the typed alloc/free interface every policy implements.
//
// Alloc and Calloc return a slice with len==cap==n; Free must be called
// with exactly the slice that Alloc/Calloc/Realloc returned, not a
// reslice — the freed pointer is the allocated pointer.
type Allocator struct {
	policy   Policy
	counters counters

	// trace-mode bookkeeping: live allocation -> its backing buffer
	// (which carries canarySize extra trailing bytes the caller's slice
	// cannot see, since len==cap==n).
	mu    sync.Mutex
	trace map[uintptr]traceEntry

	// arena-mode root.
	arena *Arena
}

type traceEntry struct {
	backing []byte
	size    int
}

// New constructs an Allocator using the given policy.
func New(policy Policy) *Allocator {
	a := &Allocator{policy: policy}
	switch policy {
	case PolicyTrace:
		a.trace = make(map[uintptr]traceEntry)
	case PolicyArena:
		a.arena = newArena(a, 64*1024)
	}
	return a
}

// Policy returns the configured policy.
func (a *Allocator) Policy() Policy { return a.policy }

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats { return a.counters.snapshot() }

func ptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Alloc returns n uninitialized bytes.
func (a *Allocator) Alloc(n int) []byte {
	if n < 0 {
		panic("diagalloc: negative size")
	}
	switch a.policy {
	case PolicyRelease:
		return make([]byte, n)
	case PolicyArena:
		return a.arena.Alloc(n)
	default:
		return a.traceAlloc(n, false)
	}
}

// Calloc returns m*n zero-initialized bytes. make already zeroes, so this
// is semantically identical to Alloc in Go; it stays a distinct operation
// to make call sites self-documenting.
func (a *Allocator) Calloc(m, n int) []byte {
	return a.Alloc(m * n)
}

// Realloc resizes b to n bytes, preserving the lesser of the old and new
// length's worth of content. Passing a nil/empty b is equivalent to Alloc.
func (a *Allocator) Realloc(b []byte, n int) []byte {
	if len(b) == 0 {
		return a.Alloc(n)
	}
	switch a.policy {
	case PolicyRelease:
		out := make([]byte, n)
		copy(out, b)
		return out
	case PolicyArena:
		out := a.arena.Alloc(n)
		copy(out, b)
		return out
	default:
		a.verifyAndRemove(b) // poisoned below, once its bytes are copied
		out := a.traceAlloc(n, false)
		copy(out, b)
		for i := range b {
			b[i] = 0xDD
		}
		return out
	}
}

// Free releases b. Freeing a nil/empty slice is a no-op. Freeing the same
// slice twice is detected in PolicyTrace and reported by a panic (see
// fault), matching "diagnostic builds abort".
func (a *Allocator) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	switch a.policy {
	case PolicyRelease:
		return
	case PolicyArena:
		// Arena memory is physically reclaimed when a scope is released,
		// but the lifecycle still ends here, so the counters settle now.
		// Call sites use either Alloc/Free pairs (root arena) or
		// scope.Alloc with a bulk scope.Release — never both on the same
		// allocation — so this cannot double count against Release.
		a.counters.recordFree(len(b))
		return
	default:
		a.freeTrace(b)
	}
}

func (a *Allocator) traceAlloc(n int, zero bool) []byte {
	backing := make([]byte, n+canarySize)
	binary.LittleEndian.PutUint64(backing[n:], magic)
	data := backing[:n:n]
	a.mu.Lock()
	a.trace[ptrOf(data)] = traceEntry{backing: backing, size: n}
	a.mu.Unlock()
	a.counters.recordAlloc(n)
	return data
}

func (a *Allocator) freeTrace(b []byte) {
	ptr := ptrOf(b)
	a.mu.Lock()
	entry, ok := a.trace[ptr]
	if ok {
		delete(a.trace, ptr)
	}
	a.mu.Unlock()
	if !ok {
		a.fault(ErrDoubleFree)
		return
	}
	if got := binary.LittleEndian.Uint64(entry.backing[entry.size:]); got != magic {
		a.fault(ErrCanaryCorrupt)
	}
	for i := range entry.backing[:entry.size] {
		entry.backing[i] = 0xDD
	}
	a.counters.recordFree(entry.size)
}

// verifyAndRemove is Realloc's half of freeTrace: it validates and removes
// the bookkeeping entry but skips the poison pass, since the bytes are
// about to be copied into the replacement buffer by the caller.
func (a *Allocator) verifyAndRemove(b []byte) {
	ptr := ptrOf(b)
	a.mu.Lock()
	entry, ok := a.trace[ptr]
	if ok {
		delete(a.trace, ptr)
	}
	a.mu.Unlock()
	if !ok {
		a.fault(ErrDoubleFree)
		return
	}
	if got := binary.LittleEndian.Uint64(entry.backing[entry.size:]); got != magic {
		a.fault(ErrCanaryCorrupt)
	}
	a.counters.recordFree(entry.size)
}

// panicOnFault makes fault panic when PolicyTrace detects a double-free or
// canary corruption. It is unexported and always true, so every such fault
// panics.
var panicOnFault = true

func (a *Allocator) fault(err error) {
	if panicOnFault {
		panic(err)
	}
}

// CheckBalance returns an *ImbalanceError if allocs/frees have not
// balanced; called at process shutdown.
func (a *Allocator) CheckBalance() error {
	s := a.Stats()
	if s.AllocCount != s.FreeCount || s.InUse != 0 {
		return &ImbalanceError{AllocCount: s.AllocCount, FreeCount: s.FreeCount, InUse: s.InUse}
	}
	return nil
}
