// Package dma implements the DMA Buffer Pool of spec.md §4.D: a set of
// local byte-array buffers round-robined per coroutine, all allocated up
// front by NewLocalAllocator rather than on first use (standing
// in for the host-side DMA-able memory a real DOCA DMA engine would
// copy into/out of) and a remote window free list borrowed and returned
// around each cache-backed RPC round trip.
package dma

import (
	"sync"

	"github.com/occfabric/occtrans"
	"github.com/occfabric/occtrans/internal/constants"
)

// LocalBuf is a fixed-size window into a coroutine's own backing array.
// Unlike the Rust original's raw-pointer DmaLocalBuf, this carries its
// own byte slice directly; Go's slice already is the (ptr, off, len)
// triple the original hand-rolled.
type LocalBuf struct {
	buf []byte
}

// Bytes returns the buffer's backing storage.
func (b LocalBuf) Bytes() []byte { return b.buf }

// Len reports the buffer's fixed capacity.
func (b LocalBuf) Len() int { return len(b.buf) }

// LocalAllocator round-robins MaxDmaBufPerRoutine fixed-size buffers per
// coroutine. Buffers are never individually freed; ownership simply
// rotates back to the allocator on next request, matching the original's
// dma_buf_heads wraparound.
type LocalAllocator struct {
	mu    sync.Mutex
	pools [][]LocalBuf
	heads []int
}

// NewLocalAllocator carves out constants.NumCoroutines pools of
// constants.MaxDmaBufPerRoutine buffers of constants.MaxDmaBuf bytes
// each.
func NewLocalAllocator() *LocalAllocator {
	a := &LocalAllocator{
		pools: make([][]LocalBuf, constants.NumCoroutines),
		heads: make([]int, constants.NumCoroutines),
	}
	for cid := 0; cid < constants.NumCoroutines; cid++ {
		pool := make([]LocalBuf, constants.MaxDmaBufPerRoutine)
		for j := 0; j < constants.MaxDmaBufPerRoutine; j++ {
			pool[j] = LocalBuf{buf: make([]byte, constants.MaxDmaBuf)}
		}
		a.pools[cid] = pool
	}
	return a
}

// GetLocalBuf returns the next buffer in cid's rotation. The spec treats
// this allocation as always-succeeds (the pool never blocks); a
// coroutine that holds more than MaxDmaBufPerRoutine buffers live at
// once will silently alias an earlier one, same as the original.
func (a *LocalAllocator) GetLocalBuf(cid uint32) LocalBuf {
	a.mu.Lock()
	defer a.mu.Unlock()
	pool := a.pools[cid]
	head := a.heads[cid]
	buf := pool[head]
	head++
	if head >= constants.MaxDmaBufPerRoutine {
		head = 0
	}
	a.heads[cid] = head
	return buf
}

// RemoteBuf identifies one window of the remote DMA pool by its byte
// offset into the registered region.
type RemoteBuf struct {
	Off uint64
	Len uint64
}

// RemoteAllocator is a free-list allocator over MaxDmaBufRemote
// fixed-size windows, exhaustible (unlike LocalAllocator's rotation)
// because a remote window is exclusively owned until explicitly
// returned, per spec.md §4.D.
type RemoteAllocator struct {
	mu       sync.Mutex
	recycled []RemoteBuf
}

// NewRemoteAllocator seeds the free list with constants.MaxDmaBufRemote
// windows of constants.MaxDmaBuf bytes, laid out contiguously.
func NewRemoteAllocator() *RemoteAllocator {
	a := &RemoteAllocator{recycled: make([]RemoteBuf, 0, constants.MaxDmaBufRemote)}
	for i := 0; i < constants.MaxDmaBufRemote; i++ {
		a.recycled = append(a.recycled, RemoteBuf{
			Off: uint64(i) * constants.MaxDmaBuf,
			Len: constants.MaxDmaBuf,
		})
	}
	return a
}

// Alloc pops one window off the free list. Exhaustion is a caller error
// in the original (an unwrap on an empty Vec); here it is surfaced as
// an *occtrans.Error instead of a panic, since an exhausted remote pool
// is recoverable by backing off and retrying once earlier transactions
// release their windows.
func (a *RemoteAllocator) Alloc() (RemoteBuf, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.recycled) == 0 {
		return RemoteBuf{}, occtrans.NewError(occtrans.KindProtocol, "dma_remote_alloc", "remote DMA window pool exhausted", nil)
	}
	n := len(a.recycled) - 1
	buf := a.recycled[n]
	a.recycled = a.recycled[:n]
	return buf, nil
}

// Dealloc returns buf to the free list.
func (a *RemoteAllocator) Dealloc(buf RemoteBuf) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recycled = append(a.recycled, buf)
}

// Available reports the number of free remote windows, used by metrics
// and tests.
func (a *RemoteAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recycled)
}
