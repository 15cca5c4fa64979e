package occ

import (
	"github.com/occfabric/occtrans/internal/lockword"
	"github.com/occfabric/occtrans/internal/store"
	"github.com/occfabric/occtrans/internal/wire"
)

// Local is the single-partition OCC driver: every key this transaction
// touches belongs to the same storage node this process already holds
// a *store.Catalog for, so every phase is a direct synchronous call
// with no network or comm-channel hop. Grounded on occ_local.rs.
type Local struct {
	status  Status
	tid     uint32
	cid     uint32
	catalog *store.Catalog

	readset   rwset
	updateset rwset
	writeset  rwset
}

// NewLocal builds a driver bound to catalog, identified to the lock
// table as (tid, cid).
func NewLocal(catalog *store.Catalog, tid, cid uint32) *Local {
	return &Local{catalog: catalog, tid: tid, cid: cid}
}

func (l *Local) token() uint64 {
	return lockword.LockContent{PartID: 0, Tid: uint16(l.tid), Cid: l.cid}.Pack()
}

// Start resets every set and marks the transaction in progress.
func (l *Local) Start() {
	l.readset.reset()
	l.updateset.reset()
	l.writeset.reset()
	l.status = StatusInProgress
}

// Read fetches key's current value without locking it, appending the
// observation to the read-set for later validation.
func (l *Local) Read(tableID uint32, key uint64) (int, error) {
	tbl, err := l.catalog.MemTable(tableID)
	if err != nil {
		return 0, err
	}
	val := make([]byte, tbl.ValueSize())
	meta, err := tbl.GetReadonly(key, val)
	if err != nil {
		return 0, err
	}
	idx := l.readset.push(item{tableID: tableID, kind: wire.KindRead, key: key, seq: meta.Seq, length: uint32(len(val)), value: val})
	return idx, nil
}

// FetchWrite locks key immediately and returns its current value,
// appending the observation to the update-set.
func (l *Local) FetchWrite(tableID uint32, key uint64) (int, error) {
	tbl, err := l.catalog.MemTable(tableID)
	if err != nil {
		return 0, err
	}
	val := make([]byte, tbl.ValueSize())
	meta, ok, err := tbl.GetForUpd(key, val, l.token())
	if err != nil {
		return 0, err
	}
	if !ok {
		l.status = StatusMustAbort
	}
	idx := l.updateset.push(item{tableID: tableID, kind: wire.KindUpdate, key: key, seq: meta.Seq, length: uint32(len(val)), value: val})
	return idx, nil
}

// Write registers a deferred write-set entry; the key is locked later,
// during the commit sequence's lock phase.
func (l *Local) Write(tableID uint32, key uint64, kind wire.RwKind) int {
	return l.writeset.push(item{tableID: tableID, kind: kind, key: key})
}

// GetValue returns the value staged so far for update-set (update=true)
// or write-set idx.
func (l *Local) GetValue(update bool, idx int) []byte {
	if update {
		return l.updateset.at(idx).value
	}
	return l.writeset.at(idx).value
}

// SetValue stages value for commit at update-set or write-set idx.
func (l *Local) SetValue(update bool, idx int, value []byte) {
	if update {
		l.updateset.at(idx).value = value
		l.updateset.at(idx).length = uint32(len(value))
		return
	}
	l.writeset.at(idx).value = value
	l.writeset.at(idx).length = uint32(len(value))
}

func (l *Local) lockWrites() {
	token := l.token()
	for i := 0; i < l.writeset.len(); i++ {
		it := l.writeset.at(i)
		tbl, err := l.catalog.MemTable(it.tableID)
		if err != nil {
			l.status = StatusMustAbort
			continue
		}
		meta, ok, err := tbl.Lock(it.key, token)
		if err != nil || !ok {
			l.status = StatusMustAbort
			continue
		}
		it.seq = meta.Seq
	}
}

func (l *Local) validate() {
	for i := 0; i < l.readset.len(); i++ {
		it := l.readset.at(i)
		tbl, err := l.catalog.MemTable(it.tableID)
		if err != nil {
			l.status = StatusMustAbort
			continue
		}
		meta, err := tbl.GetMeta(it.key)
		if err != nil || !meta.Unlocked() || meta.Seq != it.seq {
			l.status = StatusMustAbort
		}
	}
}

// logWrites is a no-op: durable logging is out of scope, per spec.md
// §4.J's LOG phase.
func (l *Local) logWrites() {}

func (l *Local) commitWrites() {
	for _, set := range []*rwset{&l.updateset, &l.writeset} {
		for i := 0; i < set.len(); i++ {
			it := set.at(i)
			tbl, err := l.catalog.MemTable(it.tableID)
			if err != nil {
				continue
			}
			switch it.kind {
			case wire.KindErase:
				tbl.Erase(it.key)
			case wire.KindInsert, wire.KindUpdate:
				tbl.UpdValSeq(it.key, it.value)
			}
		}
	}
}

func (l *Local) release() {
	token := l.token()
	for _, set := range []*rwset{&l.updateset, &l.writeset} {
		for i := 0; i < set.len(); i++ {
			it := set.at(i)
			if tbl, err := l.catalog.MemTable(it.tableID); err == nil {
				tbl.Unlock(it.key, token)
			}
		}
	}
}

func (l *Local) recoverOnAborted() {
	token := l.token()
	for i := 0; i < l.updateset.len(); i++ {
		it := l.updateset.at(i)
		if tbl, err := l.catalog.MemTable(it.tableID); err == nil {
			tbl.Unlock(it.key, token)
		}
	}
	for i := 0; i < l.writeset.len(); i++ {
		it := l.writeset.at(i)
		tbl, err := l.catalog.MemTable(it.tableID)
		if err != nil {
			continue
		}
		switch it.kind {
		case wire.KindErase, wire.KindUpdate:
			tbl.Unlock(it.key, token)
		case wire.KindInsert:
			tbl.Erase(it.key)
		}
	}
}

// Commit runs the five-phase protocol, aborting instead if lockWrites
// or validate left the transaction in StatusMustAbort.
func (l *Local) Commit() {
	l.lockWrites()
	if l.status == StatusMustAbort {
		l.Abort()
		return
	}

	l.validate()
	if l.status == StatusMustAbort {
		l.Abort()
		return
	}

	l.logWrites()
	l.commitWrites()
	l.release()
	l.status = StatusCommitted
}

// Abort unwinds whatever locking lockWrites managed to do.
func (l *Local) Abort() {
	l.recoverOnAborted()
	l.status = StatusAborted
}

func (l *Local) IsAborted() bool   { return l.status == StatusAborted }
func (l *Local) IsCommitted() bool { return l.status == StatusCommitted }
