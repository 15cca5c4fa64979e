package store

import (
	"github.com/occfabric/occtrans/internal/constants"
)

// ValueStore carries only values, no lock or seq metadata — the DPU-side
// or data-only replica flavor of spec.md §4.E.
type ValueStore struct {
	shards    *shardSet[[]byte]
	valueSize int
}

// NewValueStore creates a ValueStore for a table whose value payload is
// exactly valueSize bytes.
func NewValueStore(valueSize, capacityPerShard int) *ValueStore {
	return &ValueStore{
		shards:    newShardSet[[]byte](capacityPerShard, constants.DibMax),
		valueSize: valueSize,
	}
}

// ValueSize returns the fixed value payload size this table was created
// with.
func (v *ValueStore) ValueSize() int { return v.valueSize }

// Get copies key's value into out.
func (v *ValueStore) Get(key uint64, out []byte) error {
	mu, tbl := v.shards.shardFor(key)
	mu.RLock()
	defer mu.RUnlock()

	val, ok := tbl.Get(key)
	if !ok {
		return errNotFoundf(key)
	}
	copy(out, val)
	return nil
}

// Set overwrites key's value in place; key must already exist.
func (v *ValueStore) Set(key uint64, in []byte) error {
	mu, tbl := v.shards.shardFor(key)
	mu.RLock()
	val, ok := tbl.Get(key)
	mu.RUnlock()
	if !ok {
		return errNotFoundf(key)
	}
	copy(val, in)
	return nil
}

// Put creates key with the given value if absent, or overwrites it if
// present.
func (v *ValueStore) Put(key uint64, in []byte) error {
	mu, tbl := v.shards.shardFor(key)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := tbl.Get(key); ok {
		copy(existing, in)
		return nil
	}
	fresh := make([]byte, v.valueSize)
	copy(fresh, in)
	tbl.Insert(key, fresh)
	return nil
}

// Erase removes key.
func (v *ValueStore) Erase(key uint64) error {
	mu, tbl := v.shards.shardFor(key)
	mu.Lock()
	defer mu.Unlock()

	_, ok := tbl.Erase(key)
	if !ok {
		return errNotFoundf(key)
	}
	return nil
}
