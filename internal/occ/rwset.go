package occ

import "github.com/occfabric/occtrans/internal/wire"

// item is one read-set, update-set, or write-set entry. value/length
// hold whatever payload a phase has staged so far: empty until a read
// or fetch-write response lands, then the observed bytes; for a
// write-set entry, whatever set_value staged for commit.
type item struct {
	tableID uint32
	partID  uint64
	kind    wire.RwKind
	key     uint64
	seq     uint64
	length  uint32
	value   []byte
}

// rwset is an append-only, indexable run of items, the Go analogue of
// rwset.rs's RwSet<ITEM_MAX_SIZE>. A driver keeps three of these: a
// readset, an updateset (keys fetched for write), and a writeset (keys
// this transaction will write, possibly never having been fetched).
type rwset struct {
	items []item
}

func (s *rwset) push(it item) int {
	s.items = append(s.items, it)
	return len(s.items) - 1
}

func (s *rwset) len() int { return len(s.items) }

func (s *rwset) at(idx int) *item { return &s.items[idx] }

func (s *rwset) reset() { s.items = s.items[:0] }
