package occ

import (
	"bytes"
	"context"

	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/lockword"
	"github.com/occfabric/occtrans/internal/logging"
	"github.com/occfabric/occtrans/internal/rpcctrl"
	"github.com/occfabric/occtrans/internal/scheduler"
	"github.com/occfabric/occtrans/internal/store"
	"github.com/occfabric/occtrans/internal/wire"
)

// pendingItem records a not-yet-sent remote READ or FETCH_WRITE, keyed
// by the rwset slot it will scatter its reply back into.
type pendingItem struct {
	idx     int
	tableID uint32
	partID  uint64
	key     uint64
}

// Remote is the multi-partition OCC driver: a key belonging to this
// process's own partition is served directly against catalog, any
// other key is served by RPC against the peer that owns it, using
// partID itself as the peer connection id (spec.md §3's one-partition-
// per-node convention). Grounded on occ_remote.rs.
type Remote struct {
	status Status
	partID uint64
	tid    uint32
	cid    uint32

	catalog *store.Catalog
	ctrl    *rpcctrl.Controller
	logger  *logging.Logger

	readset   rwset
	updateset rwset
	writeset  rwset

	pendingReads       []pendingItem
	pendingFetchWrites []pendingItem
}

// NewRemote builds a driver for partition partID, identified to every
// peer's lock table as (tid, cid), batching outgoing RPCs on sched's
// coroutine cid.
func NewRemote(catalog *store.Catalog, sched *scheduler.Scheduler, partID uint64, tid, cid uint32) *Remote {
	return &Remote{
		catalog: catalog,
		ctrl:    rpcctrl.New(sched, cid),
		partID:  partID,
		tid:     tid,
		cid:     cid,
		logger:  logging.Default().With("cid", cid),
	}
}

func (r *Remote) token() uint64 {
	return lockword.LockContent{PartID: uint16(r.partID), Tid: uint16(r.tid), Cid: r.cid}.Pack()
}

// Start resets every set, any queued-but-unflushed remote request, and
// marks the transaction in progress.
func (r *Remote) Start() {
	r.readset.reset()
	r.updateset.reset()
	r.writeset.reset()
	r.pendingReads = r.pendingReads[:0]
	r.pendingFetchWrites = r.pendingFetchWrites[:0]
	r.ctrl.RestartBatch()
	r.status = StatusInProgress
}

// Read returns the rwset slot for key, resolving it immediately if it
// belongs to this partition or queuing a remote request (answered at
// the next GetValue call) otherwise.
func (r *Remote) Read(tableID uint32, partID uint64, key uint64) (int, error) {
	if partID == r.partID {
		tbl, err := r.catalog.MemTable(tableID)
		if err != nil {
			return 0, err
		}
		val := make([]byte, tbl.ValueSize())
		meta, err := tbl.GetReadonly(key, val)
		length := uint32(len(val))
		if err != nil {
			length = 0
		}
		idx := r.readset.push(item{tableID: tableID, partID: partID, kind: wire.KindRead, key: key, seq: meta.Seq, length: length, value: val[:length]})
		return idx, nil
	}

	idx := r.readset.push(item{tableID: tableID, partID: partID, kind: wire.KindRead, key: key})
	r.pendingReads = append(r.pendingReads, pendingItem{idx: idx, tableID: tableID, partID: partID, key: key})
	return idx, nil
}

// FetchWrite is Read's locking counterpart, queued against the
// update-set.
func (r *Remote) FetchWrite(tableID uint32, partID uint64, key uint64) (int, error) {
	if partID == r.partID {
		tbl, err := r.catalog.MemTable(tableID)
		if err != nil {
			return 0, err
		}
		val := make([]byte, tbl.ValueSize())
		meta, ok, err := tbl.GetForUpd(key, val, r.token())
		length := uint32(len(val))
		if err != nil || !ok {
			length = 0
			r.status = StatusMustAbort
		}
		idx := r.updateset.push(item{tableID: tableID, partID: partID, kind: wire.KindUpdate, key: key, seq: meta.Seq, length: length, value: val[:length]})
		return idx, nil
	}

	idx := r.updateset.push(item{tableID: tableID, partID: partID, kind: wire.KindUpdate, key: key})
	r.pendingFetchWrites = append(r.pendingFetchWrites, pendingItem{idx: idx, tableID: tableID, partID: partID, key: key})
	return idx, nil
}

// Write registers a deferred write-set entry; locking happens later,
// local or remote, during the commit sequence's lock phase.
func (r *Remote) Write(tableID uint32, partID uint64, key uint64, kind wire.RwKind) int {
	return r.writeset.push(item{tableID: tableID, partID: partID, kind: kind, key: key})
}

// GetValue flushes any queued remote reads and fetch-writes, then
// returns the value staged at update-set (update=true) or read-set idx.
func (r *Remote) GetValue(ctx context.Context, update bool, idx int) ([]byte, error) {
	if err := r.flushReads(ctx); err != nil {
		return nil, err
	}
	if err := r.flushFetchWrites(ctx); err != nil {
		return nil, err
	}
	if update {
		return r.updateset.at(idx).value, nil
	}
	return r.readset.at(idx).value, nil
}

// SetValue stages value for commit at update-set or write-set idx.
func (r *Remote) SetValue(update bool, idx int, value []byte) {
	if update {
		r.updateset.at(idx).value = value
		r.updateset.at(idx).length = uint32(len(value))
		return
	}
	r.writeset.at(idx).value = value
	r.writeset.at(idx).length = uint32(len(value))
}

// flushReads and flushFetchWrites each run their own independent
// restart/send/wait/process cycle on the shared controller rather than
// sharing one batch, since a reply frame only says whether it carries
// items (wire.ReplyFrameHeader.Write) and not which opcode produced
// them — sending reads and fetch-writes in the same batch would make
// replies for the two kinds indistinguishable once deposited.
func (r *Remote) flushReads(ctx context.Context) error {
	if len(r.pendingReads) == 0 {
		return nil
	}
	r.ctrl.RestartBatch()
	for _, p := range r.pendingReads {
		r.ctrl.AppendReq(wire.IndexedKVKey{Idx: uint32(p.idx), KVKey: wire.KVKey{TableID: p.tableID, PartID: uint32(p.partID), Key: p.key}}, p.partID, constants.RPCRead)
	}
	if err := r.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	if err := r.ctrl.WaitUntilDone(ctx); err != nil {
		return err
	}
	r.scatterDataResp(&r.readset)
	r.pendingReads = r.pendingReads[:0]
	return nil
}

func (r *Remote) flushFetchWrites(ctx context.Context) error {
	if len(r.pendingFetchWrites) == 0 {
		return nil
	}
	r.ctrl.RestartBatch()
	for _, p := range r.pendingFetchWrites {
		r.ctrl.AppendReq(wire.IndexedKVKey{Idx: uint32(p.idx), KVKey: wire.KVKey{TableID: p.tableID, PartID: uint32(p.partID), Key: p.key}}, p.partID, constants.RPCFetchWrite)
	}
	if err := r.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	if err := r.ctrl.WaitUntilDone(ctx); err != nil {
		return err
	}
	r.scatterDataResp(&r.updateset)
	r.pendingFetchWrites = r.pendingFetchWrites[:0]
	return nil
}

func (r *Remote) scatterDataResp(set *rwset) {
	buf, n := r.ctrl.GetRespBufNum()
	for i := 0; i < n; i++ {
		slot := buf[i*constants.MaxPacket : (i+1)*constants.MaxPacket]
		rr := bytes.NewReader(slot)
		hdr, err := wire.DecodeReplyFrameHeader(rr)
		if err != nil {
			r.logger.Errorf("get_value: malformed reply slot: %v", err)
			continue
		}
		for j := uint32(0); j < hdr.Num; j++ {
			it, err := wire.DecodeIndexedValueItem(rr)
			if err != nil {
				r.logger.Errorf("get_value: malformed reply item: %v", err)
				break
			}
			if int(it.Idx) >= set.len() {
				r.logger.Errorf("get_value: reply idx %d out of range", it.Idx)
				continue
			}
			bucket := set.at(int(it.Idx))
			bucket.seq = it.Seq
			bucket.length = it.Length
			bucket.value = it.Value
			if it.Length == 0 {
				r.status = StatusMustAbort
			}
		}
	}
}

func (r *Remote) lockWrites(ctx context.Context) error {
	r.ctrl.RestartBatch()
	token := r.token()

	for i := 0; i < r.writeset.len(); i++ {
		it := r.writeset.at(i)
		if it.partID == r.partID {
			tbl, err := r.catalog.MemTable(it.tableID)
			if err != nil {
				r.status = StatusMustAbort
				continue
			}
			meta, ok, err := tbl.Lock(it.key, token)
			if err != nil || !ok {
				r.status = StatusMustAbort
				continue
			}
			it.seq = meta.Seq
		} else {
			r.ctrl.AppendReq(wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, it.partID, constants.RPCLock)
		}
	}

	return r.sendAndReduce(ctx)
}

func (r *Remote) validate(ctx context.Context) error {
	r.ctrl.RestartBatch()

	for i := 0; i < r.readset.len(); i++ {
		it := r.readset.at(i)
		if it.partID == r.partID {
			tbl, err := r.catalog.MemTable(it.tableID)
			if err != nil {
				r.status = StatusMustAbort
				continue
			}
			meta, err := tbl.GetMeta(it.key)
			if err != nil || !meta.Unlocked() || meta.Seq != it.seq {
				r.status = StatusMustAbort
			}
		} else {
			r.ctrl.AppendReq(wire.ValidateItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, ObservedSeq: it.seq}, it.partID, constants.RPCValidate)
		}
	}

	return r.sendAndReduce(ctx)
}

// sendAndReduce sends whatever the caller staged, waits for every
// reply, and AND-reduces each reply's ReduceReply.Success into status,
// per lock_writes/validate's reduce-response handling.
func (r *Remote) sendAndReduce(ctx context.Context) error {
	if err := r.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	if err := r.ctrl.WaitUntilDone(ctx); err != nil {
		return err
	}
	buf, n := r.ctrl.GetRespBufNum()
	for i := 0; i < n; i++ {
		slot := buf[i*constants.MaxPacket : (i+1)*constants.MaxPacket]
		rr := bytes.NewReader(slot)
		if _, err := wire.DecodeReplyFrameHeader(rr); err != nil {
			r.logger.Errorf("reduce reply: malformed header: %v", err)
			r.status = StatusMustAbort
			continue
		}
		rep, err := wire.DecodeReduceReply(rr)
		if err != nil || !rep.Success {
			r.status = StatusMustAbort
		}
	}
	return nil
}

func (r *Remote) commitWritesOn(update bool) {
	set := &r.writeset
	if update {
		set = &r.updateset
	}
	for i := 0; i < set.len(); i++ {
		it := set.at(i)
		if it.partID == r.partID {
			tbl, err := r.catalog.MemTable(it.tableID)
			if err != nil {
				continue
			}
			if it.kind == wire.KindErase {
				tbl.Erase(it.key)
			} else {
				tbl.UpdValSeq(it.key, it.value)
			}
			continue
		}
		kv := wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}
		if it.kind == wire.KindErase {
			r.ctrl.AppendReq(rpcctrl.ValueItemNoSeq{ValueItem: wire.ValueItem{KVKey: kv, Length: 0}}, it.partID, constants.RPCCommit)
		} else {
			r.ctrl.AppendReq(rpcctrl.ValueItemNoSeq{ValueItem: wire.ValueItem{KVKey: kv, Length: uint32(len(it.value)), Value: it.value}}, it.partID, constants.RPCCommit)
		}
	}
}

func (r *Remote) commitWrites(ctx context.Context) error {
	r.ctrl.RestartBatch()
	r.commitWritesOn(true)
	r.commitWritesOn(false)
	if err := r.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	return r.ctrl.WaitUntilDone(ctx)
}

func (r *Remote) releaseOn(update bool) {
	set := &r.writeset
	if update {
		set = &r.updateset
	}
	token := r.token()
	for i := 0; i < set.len(); i++ {
		it := set.at(i)
		if it.partID == r.partID {
			if tbl, err := r.catalog.MemTable(it.tableID); err == nil {
				tbl.Unlock(it.key, token)
			}
			continue
		}
		r.ctrl.AppendReq(wire.FlagItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, Insert: it.kind == wire.KindInsert}, it.partID, constants.RPCRelease)
	}
}

func (r *Remote) release(ctx context.Context) error {
	r.ctrl.RestartBatch()
	r.releaseOn(true)
	r.releaseOn(false)
	if err := r.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	return r.ctrl.WaitUntilDone(ctx)
}

// abortOn unwinds update-set entries by always unlocking (they were
// only ever fetched for read, never locked-as-insert) and write-set
// entries per their kind, mirroring occ_local.rs's recover_on_aborted.
func (r *Remote) abortOn(update bool) {
	set := &r.writeset
	if update {
		set = &r.updateset
	}
	token := r.token()
	for i := 0; i < set.len(); i++ {
		it := set.at(i)
		insert := !update && it.kind == wire.KindInsert
		if it.partID == r.partID {
			tbl, err := r.catalog.MemTable(it.tableID)
			if err != nil {
				continue
			}
			if insert {
				tbl.Erase(it.key)
			} else {
				tbl.Unlock(it.key, token)
			}
			continue
		}
		r.ctrl.AppendReq(wire.FlagItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, Insert: insert}, it.partID, constants.RPCAbort)
	}
}

func (r *Remote) recoverOnAborted(ctx context.Context) error {
	r.ctrl.RestartBatch()
	r.abortOn(true)
	r.abortOn(false)
	if err := r.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	return r.ctrl.WaitUntilDone(ctx)
}

// Commit runs the five-phase protocol, aborting instead if lockWrites
// or validate left the transaction in StatusMustAbort.
func (r *Remote) Commit(ctx context.Context) error {
	if err := r.lockWrites(ctx); err != nil {
		return err
	}
	if r.status == StatusMustAbort {
		return r.Abort(ctx)
	}

	if err := r.validate(ctx); err != nil {
		return err
	}
	if r.status == StatusMustAbort {
		return r.Abort(ctx)
	}

	if err := r.commitWrites(ctx); err != nil {
		return err
	}
	if err := r.release(ctx); err != nil {
		return err
	}
	r.status = StatusCommitted
	return nil
}

// Abort unwinds whatever locking lockWrites managed to do, local and
// remote alike.
func (r *Remote) Abort(ctx context.Context) error {
	if err := r.recoverOnAborted(ctx); err != nil {
		return err
	}
	r.status = StatusAborted
	return nil
}

func (r *Remote) IsAborted() bool   { return r.status == StatusAborted }
func (r *Remote) IsCommitted() bool { return r.status == StatusCommitted }
