package transport

import (
	"sync"

	"github.com/occfabric/occtrans/internal/constants"
)

// freeBlock is one entry of the allocator's first-fit free list.
type freeBlock struct {
	off, size int
}

// BaseAllocator owns a NPAGES*4KiB slab carved out of a connection's
// registered memory region, per spec.md §4.B. It backs every
// per-coroutine request buffer, reply buffer, and handshake scratch
// allocation. Allocation is first-fit over a free list; blocks are not
// coalesced on free (the workload's buffer sizes are few and reused, so
// fragmentation in practice stays bounded — see DESIGN.md).
type BaseAllocator struct {
	mu     sync.Mutex
	region []byte
	free   []freeBlock
}

// NewBaseAllocator allocates and registers (conceptually; there is no
// real memory-registration step without RDMA hardware) a region of
// NPAGES 4KiB pages.
func NewBaseAllocator() *BaseAllocator {
	size := constants.NPAGES * 4096
	return &BaseAllocator{
		region: make([]byte, size),
		free:   []freeBlock{{off: 0, size: size}},
	}
}

// Region exposes the backing slab, e.g. for computing a wire offset to
// hand to a remote peer in a descriptor exchange.
func (a *BaseAllocator) Region() []byte { return a.region }

// Alloc returns a size-byte slice carved from the slab. The returned
// slice aliases the slab; callers must Dealloc with the same size once
// done, since the allocator only tracks offsets and sizes, not a header
// per block.
func (a *BaseAllocator) Alloc(size int) ([]byte, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, b := range a.free {
		if b.size >= size {
			off := b.off
			if b.size == size {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i] = freeBlock{off: b.off + size, size: b.size - size}
			}
			return a.region[off : off+size], off, true
		}
	}
	return nil, 0, false
}

// Dealloc returns a previously allocated [off, off+size) range to the
// front of the free list, so the next fitting Alloc reuses it first.
func (a *BaseAllocator) Dealloc(off, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append([]freeBlock{{off: off, size: size}}, a.free...)
}
