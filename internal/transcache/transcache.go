// Package transcache implements the DPU-side Trans Cache View of
// spec.md §4.I: a per-TransKey read-set/write-set shadow used by the
// cache-backed flavor of the Batch RPC Processor and by the comm-channel
// local-info handlers of a hybrid OCC transaction.
package transcache

import (
	"sync"

	"github.com/occfabric/occtrans"
	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/dma"
	"github.com/occfabric/occtrans/internal/wire"
)

// cacheBuf is one fixed-item-size buffer in a range: either a local
// byte slice the writer is still appending to, or a buffer that has
// been synced to a remote DMA window and is now read back through a
// scratch copy.
type cacheBuf struct {
	data   []byte
	remote *dma.RemoteBuf
	count  int
}

// rangeBufs is one half (read or write) of a TransKey's shadow.
type rangeBufs struct {
	itemSize int
	capacity int // items per buffer, MaxDmaBuf/itemSize
	bufs     []*cacheBuf
}

func newRange(itemSize int) *rangeBufs {
	cap := constants.MaxDmaBuf / itemSize
	if cap < 1 {
		cap = 1
	}
	return &rangeBufs{itemSize: itemSize, capacity: cap}
}

func (r *rangeBufs) current() *cacheBuf {
	if len(r.bufs) == 0 {
		return nil
	}
	b := r.bufs[len(r.bufs)-1]
	if b.remote != nil || b.count >= r.capacity {
		return nil
	}
	return b
}

type entry struct {
	mu    sync.Mutex
	read  *rangeBufs
	write *rangeBufs
}

// Cache is the Trans Cache View for one worker, indexed by TransKey.
type Cache struct {
	mu          sync.Mutex
	entries     map[uint64]*entry
	remoteAlloc *dma.RemoteAllocator
}

// New creates an empty cache backed by remoteAlloc for the buffers a
// writer chooses to sync off-box once a local buffer fills.
func New(remoteAlloc *dma.RemoteAllocator) *Cache {
	return &Cache{entries: make(map[uint64]*entry), remoteAlloc: remoteAlloc}
}

func (c *Cache) getOrCreate(key wire.TransKey) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.Pack()]
	if !ok {
		e = &entry{}
		c.entries[key.Pack()] = e
	}
	return e
}

func (c *Cache) get(key wire.TransKey) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.Pack()]
	return e, ok
}

// StartReadTrans is idempotent: it ensures key has a read-set shadow
// sized for itemSize-byte items, creating the TransKey's entry if this
// is its first LOCK/READ.
func (c *Cache) StartReadTrans(key wire.TransKey, itemSize int) {
	e := c.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.read == nil {
		e.read = newRange(itemSize)
	}
}

// StartWriteTrans is the write-set analogue of StartReadTrans.
func (c *Cache) StartWriteTrans(key wire.TransKey, itemSize int) {
	e := c.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.write == nil {
		e.write = newRange(itemSize)
	}
}

// AppendRead appends item (exactly itemSize bytes, the size StartReadTrans
// was called with) to key's read-set shadow. Appends to one TransKey are
// serialized by the entry's own lock, matching spec.md §4.I's "one
// writer coroutine per key at a time".
func (c *Cache) AppendRead(key wire.TransKey, item []byte) error {
	e, ok := c.get(key)
	if !ok {
		return occtrans.NewError(occtrans.KindProtocol, "transcache_append_read", "read trans not started", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.appendTo(e.read, item)
}

// AppendWrite is the write-set analogue of AppendRead.
func (c *Cache) AppendWrite(key wire.TransKey, item []byte) error {
	e, ok := c.get(key)
	if !ok {
		return occtrans.NewError(occtrans.KindProtocol, "transcache_append_write", "write trans not started", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.appendTo(e.write, item)
}

func (c *Cache) appendTo(r *rangeBufs, item []byte) error {
	if r == nil {
		return occtrans.NewError(occtrans.KindProtocol, "transcache_append", "range not started", nil)
	}
	if len(item) != r.itemSize {
		return occtrans.NewError(occtrans.KindProtocol, "transcache_append", "item size mismatch", nil)
	}

	buf := r.current()
	if buf == nil {
		if prev := r.lastFull(); prev != nil {
			c.syncOrKeepLocal(prev)
		}
		buf = &cacheBuf{data: make([]byte, 0, r.capacity*r.itemSize)}
		r.bufs = append(r.bufs, buf)
	}
	buf.data = append(buf.data, item...)
	buf.count++
	return nil
}

func (r *rangeBufs) lastFull() *cacheBuf {
	if len(r.bufs) == 0 {
		return nil
	}
	b := r.bufs[len(r.bufs)-1]
	if b.remote == nil && b.count >= r.capacity {
		return b
	}
	return nil
}

// syncOrKeepLocal hands a just-filled local buffer to the DMA engine per
// spec.md §4.I option (a); if the remote window pool is exhausted it
// falls back to option (b), leaving the buffer resident and letting the
// next append simply start a fresh local buffer.
func (c *Cache) syncOrKeepLocal(buf *cacheBuf) {
	if c.remoteAlloc == nil {
		return
	}
	win, err := c.remoteAlloc.Alloc()
	if err != nil {
		return
	}
	buf.remote = &win
}

// RangeCount returns the number of buffers in key's read or write range.
func (c *Cache) RangeCount(key wire.TransKey, write bool) int {
	e, ok := c.get(key)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.read
	if write {
		r = e.write
	}
	if r == nil {
		return 0
	}
	return len(r.bufs)
}

// ReadBuf returns range buffer idx's items as a contiguous byte slice
// and their item count. A remote
// buffer is copied into a fresh scratch slice to stand in for the
// engine posting a DMA read and yielding until it completes; this
// single-process build has no separate remote memory to fault a
// zero-copy view into, so the copy happens immediately instead of after
// a yield (documented simplification, DESIGN.md).
func (c *Cache) ReadBuf(key wire.TransKey, idx int, write bool) ([]byte, int, error) {
	e, ok := c.get(key)
	if !ok {
		return nil, 0, occtrans.NewError(occtrans.KindProtocol, "transcache_read_buf", "unknown trans key", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.read
	if write {
		r = e.write
	}
	if r == nil || idx < 0 || idx >= len(r.bufs) {
		return nil, 0, occtrans.NewError(occtrans.KindProtocol, "transcache_read_buf", "range index out of bounds", nil)
	}
	b := r.bufs[idx]
	if b.remote == nil {
		return b.data, b.count, nil
	}
	scratch := make([]byte, len(b.data))
	copy(scratch, b.data)
	return scratch, b.count, nil
}

// EndReadTrans releases key's read-set shadow, returning any remote
// windows to the pool. A duplicate end on an already-ended read trans is
// a no-op. The TransKey's entry is dropped once both halves have ended.
func (c *Cache) EndReadTrans(key wire.TransKey) {
	c.mu.Lock()
	e, ok := c.entries[key.Pack()]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	c.freeRange(e.read)
	e.read = nil
	empty := e.read == nil && e.write == nil
	e.mu.Unlock()
	if empty {
		c.dropIfEmpty(key)
	}
}

// EndWriteTrans is the write-set analogue of EndReadTrans.
func (c *Cache) EndWriteTrans(key wire.TransKey) {
	c.mu.Lock()
	e, ok := c.entries[key.Pack()]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	c.freeRange(e.write)
	e.write = nil
	empty := e.read == nil && e.write == nil
	e.mu.Unlock()
	if empty {
		c.dropIfEmpty(key)
	}
}

func (c *Cache) freeRange(r *rangeBufs) {
	if r == nil || c.remoteAlloc == nil {
		return
	}
	for _, b := range r.bufs {
		if b.remote != nil {
			c.remoteAlloc.Dealloc(*b.remote)
		}
	}
}

func (c *Cache) dropIfEmpty(key wire.TransKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.Pack()]; ok && e.read == nil && e.write == nil {
		delete(c.entries, key.Pack())
	}
}
