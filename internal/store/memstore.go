package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/occfabric/occtrans"
	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/lockword"
)

// Meta is the {lock, seq} pair returned by every MemStore operation so
// callers can make OCC decisions (locked? stale?) without a second
// round trip.
type Meta struct {
	Lock uint64
	Seq  uint64
}

// Unlocked reports whether this meta's lock word names no holder.
func (m Meta) Unlocked() bool { return lockword.IsUnlocked(m.Lock) }

// node is one storage node. Its lock and seq are independent atomics so
// a read-locked shard lookup never blocks on in-flight record-level
// locking. valMu serializes the byte copy in/out of value, which the
// shard's RWMutex alone does not protect since get_readonly only takes
// a read lock while upd_val_seq mutates bytes in place.
type node struct {
	lock  atomic.Uint64
	seq   atomic.Uint64
	valMu sync.Mutex
	value []byte
}

// MemStore is the authoritative key-value store: value plus per-key
// lock/seq metadata, per spec.md §4.E.
type MemStore struct {
	shards    *shardSet[*node]
	valueSize int
}

// NewMemStore creates a MemStore for a table whose value payload is
// exactly valueSize bytes, with capacityPerShard slots in each of the
// table's shards before entries spill to that shard's overflow map.
func NewMemStore(valueSize, capacityPerShard int) *MemStore {
	return &MemStore{
		shards:    newShardSet[*node](capacityPerShard, constants.DibMax),
		valueSize: valueSize,
	}
}

// ValueSize returns the fixed value payload size this table was created
// with, so callers can size a scratch buffer before a read.
func (m *MemStore) ValueSize() int { return m.valueSize }

func metaOf(n *node) Meta {
	return Meta{Lock: n.lock.Load(), Seq: n.seq.Load()}
}

// GetMeta returns the {lock, seq} pair for key.
func (m *MemStore) GetMeta(key uint64) (Meta, error) {
	mu, tbl := m.shards.shardFor(key)
	mu.RLock()
	defer mu.RUnlock()

	n, ok := tbl.Get(key)
	if !ok {
		return Meta{}, errNotFoundf(key)
	}
	return metaOf(n), nil
}

// GetReadonly copies key's current value into out (truncated to
// len(out)) and returns its meta, without taking the record lock.
func (m *MemStore) GetReadonly(key uint64, out []byte) (Meta, error) {
	mu, tbl := m.shards.shardFor(key)
	mu.RLock()
	n, ok := tbl.Get(key)
	mu.RUnlock()
	if !ok {
		return Meta{}, errNotFoundf(key)
	}

	n.valMu.Lock()
	copy(out, n.value)
	n.valMu.Unlock()
	return metaOf(n), nil
}

// GetForUpd attempts CAS(lock, 0, token); on success it also copies the
// current value into out. On failure (already locked by someone else)
// it returns the observed meta with ok=false so the caller can build a
// length=0 FETCH_WRITE reply per spec.md §4.H.
func (m *MemStore) GetForUpd(key uint64, out []byte, token uint64) (Meta, bool, error) {
	mu, tbl := m.shards.shardFor(key)
	mu.RLock()
	n, ok := tbl.Get(key)
	mu.RUnlock()
	if !ok {
		return Meta{}, false, errNotFoundf(key)
	}

	if !lockword.TryLock(&n.lock, token) {
		return metaOf(n), false, nil
	}
	n.valMu.Lock()
	copy(out, n.value)
	n.valMu.Unlock()
	return metaOf(n), true, nil
}

// Lock attempts to acquire key for token. If key is absent it is
// created zero-valued with seq=SeqInsertInitial and lock=token (the
// OCC engine's INSERT path); otherwise it attempts CAS(lock, 0, token).
// The returned bool is false iff an existing key's CAS failed.
func (m *MemStore) Lock(key uint64, token uint64) (Meta, bool, error) {
	mu, tbl := m.shards.shardFor(key)

	mu.RLock()
	n, ok := tbl.Get(key)
	mu.RUnlock()
	if ok {
		if !lockword.TryLock(&n.lock, token) {
			return metaOf(n), false, nil
		}
		return metaOf(n), true, nil
	}

	mu.Lock()
	defer mu.Unlock()
	// Re-check under the write lock: another coroutine may have raced
	// us here.
	if n, ok := tbl.Get(key); ok {
		if !lockword.TryLock(&n.lock, token) {
			return metaOf(n), false, nil
		}
		return metaOf(n), true, nil
	}

	fresh := &node{value: make([]byte, m.valueSize)}
	fresh.seq.Store(constants.SeqInsertInitial)
	fresh.lock.Store(token)
	tbl.Insert(key, fresh)
	return metaOf(fresh), true, nil
}

// Unlock releases key for token; a mismatch (already released, or held
// by someone else) is tolerated as a no-op per spec.md invariant 1.
func (m *MemStore) Unlock(key uint64, token uint64) (Meta, error) {
	mu, tbl := m.shards.shardFor(key)
	mu.RLock()
	n, ok := tbl.Get(key)
	mu.RUnlock()
	if !ok {
		return Meta{}, errNotFoundf(key)
	}
	lockword.Unlock(&n.lock, token)
	return metaOf(n), nil
}

// UpdValSeq atomically copies in into key's value and increments seq by
// exactly one.
func (m *MemStore) UpdValSeq(key uint64, in []byte) (Meta, error) {
	mu, tbl := m.shards.shardFor(key)
	mu.RLock()
	n, ok := tbl.Get(key)
	mu.RUnlock()
	if !ok {
		return Meta{}, errNotFoundf(key)
	}

	n.valMu.Lock()
	copy(n.value, in)
	n.valMu.Unlock()
	newSeq := n.seq.Add(1)
	return Meta{Lock: n.lock.Load(), Seq: newSeq}, nil
}

// Erase removes key under the shard's write lock.
func (m *MemStore) Erase(key uint64) (Meta, error) {
	mu, tbl := m.shards.shardFor(key)
	mu.Lock()
	defer mu.Unlock()

	n, ok := tbl.Erase(key)
	if !ok {
		return Meta{}, errNotFoundf(key)
	}
	return metaOf(n), nil
}

// Insert is the loader-only path: it creates key unlocked with
// seq=SeqInsertInitial, distinct from Lock's insert-on-absent so that a
// loader-seeded row and a just-locked-for-insert row share the exact
// same seq convention (spec.md §9 open question (ii); resolved in
// DESIGN.md).
func (m *MemStore) Insert(key uint64, value []byte) (Meta, error) {
	mu, tbl := m.shards.shardFor(key)
	mu.Lock()
	defer mu.Unlock()

	if tbl.Contains(key) {
		return Meta{}, fmt.Errorf("memstore: insert: key %d already exists", key)
	}
	fresh := &node{value: make([]byte, m.valueSize)}
	copy(fresh.value, value)
	fresh.seq.Store(constants.SeqInsertInitial)
	tbl.Insert(key, fresh)
	return metaOf(fresh), nil
}

func errNotFoundf(key uint64) error {
	return fmt.Errorf("key %d: %w", key, occtrans.ErrNotFound)
}
