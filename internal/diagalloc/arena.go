package diagalloc

import "sync"

// Arena is a contiguous bump allocator. The root Arena is created with the
// Allocator when PolicyArena is selected; NewScope carves a nested,
// independently releasable sub-arena for per-operation scratch (DB
// parameter marshalling, HTTPS header parsing). Freeing a scope is O(1):
// it only drops references, never walks freed memory.
type Arena struct {
	owner     *Allocator
	blockSize int

	mu        sync.Mutex
	cur       []byte
	off       int
	blocks    [][]byte
	allocs    int64 // allocations handed out by this scope
	requested int64 // bytes handed out by this scope, for balanced Release accounting
	released  bool
}

func newArena(owner *Allocator, blockSize int) *Arena {
	return &Arena{owner: owner, blockSize: blockSize}
}

// NewScope returns a fresh nested scope carved from the allocator's root
// arena, if PolicyArena is configured, or nil otherwise.
func (a *Allocator) NewScope() *Arena {
	if a.policy != PolicyArena {
		return nil
	}
	return a.arena.NewScope()
}

// NewScope carves a nested scope sharing this arena's block size, whose
// allocations are accounted against the same Allocator counters but whose
// Release is independent of its parent and siblings.
func (ar *Arena) NewScope() *Arena {
	return newArena(ar.owner, ar.blockSize)
}

// Alloc returns n bytes from the arena, growing it with a new block if the
// current block lacks room.
func (ar *Arena) Alloc(n int) []byte {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.released {
		panic("diagalloc: alloc from released arena scope")
	}
	if ar.cur == nil || ar.off+n > len(ar.cur) {
		size := ar.blockSize
		if n > size {
			size = n
		}
		block := make([]byte, size)
		ar.blocks = append(ar.blocks, block)
		ar.cur = block
		ar.off = 0
	}
	data := ar.cur[ar.off : ar.off+n : ar.off+n]
	ar.off += n
	ar.allocs++
	ar.requested += int64(n)
	ar.owner.counters.recordAlloc(n)
	return data
}

// Release drops every block this scope (not its parent) allocated and
// reports the freed bytes to the owning Allocator's counters — one free
// per allocation handed out, keeping the alloc/free counts in step. It is
// safe to call Release more than once; subsequent calls are no-ops.
func (ar *Arena) Release() {
	ar.mu.Lock()
	if ar.released {
		ar.mu.Unlock()
		return
	}
	allocs := ar.allocs
	freed := ar.requested
	ar.blocks = nil
	ar.cur = nil
	ar.off = 0
	ar.allocs = 0
	ar.requested = 0
	ar.released = true
	ar.mu.Unlock()
	if allocs > 0 {
		ar.owner.counters.recordFrees(allocs, freed)
	}
}
