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

// Host is the hybrid OCC driver: its own partition's lock table lives
// on a DPU offload process reached over a comm channel, while its own
// partition's values live in a local replica it reads and writes
// directly, and every other partition is reached the same way Remote
// reaches one, by RPC. Grounded on occ_host.rs.
//
// The local replica and the DPU's authoritative copy are, in this
// single-process simulation, the very same *store.Catalog: a real
// deployment keeps the host's replica and the DPU's canonical store in
// separate address spaces synchronized some other way, but that
// synchronization is out of scope here (spec.md's DPU/SmartNIC offload
// is simulated, not actually split across a PCIe boundary), and a
// single shared catalog reproduces the same observable commit ordering
// without inventing a replication protocol nothing in the pack models.
type Host struct {
	status Status
	partID uint64
	tid    uint32
	cid    uint32

	catalog *store.Catalog
	ctrl    *rpcctrl.Controller
	hc      *hostComm
	logger  *logging.Logger

	readset   rwset
	updateset rwset
	writeset  rwset

	pendingReads       []pendingItem
	pendingFetchWrites []pendingItem
}

// NewHost builds a driver for partition partID, whose own lock table is
// reached through hostComm's comm channel and whose own values live in
// catalog, batching remote-partition RPCs on sched's coroutine cid.
func NewHost(catalog *store.Catalog, sched *scheduler.Scheduler, hc *hostComm, partID uint64, tid, cid uint32) *Host {
	return &Host{
		catalog: catalog,
		ctrl:    rpcctrl.New(sched, cid),
		hc:      hc,
		partID:  partID,
		tid:     tid,
		cid:     cid,
		logger:  logging.Default().With("cid", cid),
	}
}

func (h *Host) token() uint64 {
	return lockword.LockContent{PartID: uint16(h.partID), Tid: uint16(h.tid), Cid: h.cid}.Pack()
}

// Start resets every set and the driver's two outgoing request queues,
// and marks the transaction in progress.
func (h *Host) Start() {
	h.readset.reset()
	h.updateset.reset()
	h.writeset.reset()
	h.pendingReads = h.pendingReads[:0]
	h.pendingFetchWrites = h.pendingFetchWrites[:0]
	h.ctrl.RestartBatch()
	h.hc.restartBatch()
	h.status = StatusInProgress
}

// Read returns the rwset slot for key. A local-partition key is read
// straight from the shared store and registered with the DPU's
// read-set shadow for later VALIDATE; any other key is queued as a
// remote RPC, resolved at the next GetValue call.
func (h *Host) Read(tableID uint32, partID uint64, key uint64) (int, error) {
	if partID == h.partID {
		tbl, err := h.catalog.MemTable(tableID)
		if err != nil {
			return 0, err
		}
		val := make([]byte, tbl.ValueSize())
		meta, err := tbl.GetReadonly(key, val)
		length := uint32(len(val))
		if err != nil {
			length = 0
		}
		idx := h.readset.push(item{tableID: tableID, partID: partID, kind: wire.KindRead, key: key, seq: meta.Seq, length: length, value: val[:length]})
		h.hc.appendRead(tableID, key)
		return idx, nil
	}

	idx := h.readset.push(item{tableID: tableID, partID: partID, kind: wire.KindRead, key: key})
	h.pendingReads = append(h.pendingReads, pendingItem{idx: idx, tableID: tableID, partID: partID, key: key})
	return idx, nil
}

// FetchWrite locks and reads a local-partition key directly against the
// shared store; the host itself acquired this lock (MemStore.Lock's
// CAS(0,token)), so it is the host, not the DPU, that unlocks or erases
// it again at RELEASE/ABORT. This key never crosses the comm channel. A
// remote key is queued like Remote.FetchWrite.
func (h *Host) FetchWrite(tableID uint32, partID uint64, key uint64) (int, error) {
	if partID == h.partID {
		tbl, err := h.catalog.MemTable(tableID)
		if err != nil {
			return 0, err
		}
		val := make([]byte, tbl.ValueSize())
		meta, ok, err := tbl.GetForUpd(key, val, h.token())
		length := uint32(len(val))
		if err != nil || !ok {
			length = 0
			h.status = StatusMustAbort
		}
		idx := h.updateset.push(item{tableID: tableID, partID: partID, kind: wire.KindUpdate, key: key, seq: meta.Seq, length: length, value: val[:length]})
		return idx, nil
	}

	idx := h.updateset.push(item{tableID: tableID, partID: partID, kind: wire.KindUpdate, key: key})
	h.pendingFetchWrites = append(h.pendingFetchWrites, pendingItem{idx: idx, tableID: tableID, partID: partID, key: key})
	return idx, nil
}

// Write registers a deferred write-set entry; locking happens later,
// local or remote, during the commit sequence's lock phase.
func (h *Host) Write(tableID uint32, partID uint64, key uint64, kind wire.RwKind) int {
	return h.writeset.push(item{tableID: tableID, partID: partID, kind: kind, key: key})
}

// GetValue flushes any queued remote reads and fetch-writes (a local
// key's value is already in hand from Read/FetchWrite), then returns
// the value staged at update-set (update=true) or read-set idx.
func (h *Host) GetValue(ctx context.Context, update bool, idx int) ([]byte, error) {
	if err := h.flushReads(ctx); err != nil {
		return nil, err
	}
	if err := h.flushFetchWrites(ctx); err != nil {
		return nil, err
	}
	if update {
		return h.updateset.at(idx).value, nil
	}
	return h.readset.at(idx).value, nil
}

// SetValue stages value for commit at update-set or write-set idx.
func (h *Host) SetValue(update bool, idx int, value []byte) {
	if update {
		h.updateset.at(idx).value = value
		h.updateset.at(idx).length = uint32(len(value))
		return
	}
	h.writeset.at(idx).value = value
	h.writeset.at(idx).length = uint32(len(value))
}

func (h *Host) flushReads(ctx context.Context) error {
	if len(h.pendingReads) == 0 {
		return nil
	}
	h.ctrl.RestartBatch()
	for _, p := range h.pendingReads {
		h.ctrl.AppendReq(wire.IndexedKVKey{Idx: uint32(p.idx), KVKey: wire.KVKey{TableID: p.tableID, PartID: uint32(p.partID), Key: p.key}}, p.partID, constants.RPCRead)
	}
	if err := h.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	if err := h.ctrl.WaitUntilDone(ctx); err != nil {
		return err
	}
	h.scatterDataResp(&h.readset)
	h.pendingReads = h.pendingReads[:0]
	return nil
}

func (h *Host) flushFetchWrites(ctx context.Context) error {
	if len(h.pendingFetchWrites) == 0 {
		return nil
	}
	h.ctrl.RestartBatch()
	for _, p := range h.pendingFetchWrites {
		h.ctrl.AppendReq(wire.IndexedKVKey{Idx: uint32(p.idx), KVKey: wire.KVKey{TableID: p.tableID, PartID: uint32(p.partID), Key: p.key}}, p.partID, constants.RPCFetchWrite)
	}
	if err := h.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	if err := h.ctrl.WaitUntilDone(ctx); err != nil {
		return err
	}
	h.scatterDataResp(&h.updateset)
	h.pendingFetchWrites = h.pendingFetchWrites[:0]
	return nil
}

func (h *Host) scatterDataResp(set *rwset) {
	buf, n := h.ctrl.GetRespBufNum()
	for i := 0; i < n; i++ {
		slot := buf[i*constants.MaxPacket : (i+1)*constants.MaxPacket]
		rr := bytes.NewReader(slot)
		hdr, err := wire.DecodeReplyFrameHeader(rr)
		if err != nil {
			h.logger.Errorf("get_value: malformed reply slot: %v", err)
			continue
		}
		for j := uint32(0); j < hdr.Num; j++ {
			it, err := wire.DecodeIndexedValueItem(rr)
			if err != nil {
				h.logger.Errorf("get_value: malformed reply item: %v", err)
				break
			}
			if int(it.Idx) >= set.len() {
				h.logger.Errorf("get_value: reply idx %d out of range", it.Idx)
				continue
			}
			bucket := set.at(int(it.Idx))
			bucket.seq = it.Seq
			bucket.length = it.Length
			bucket.value = it.Value
			if it.Length == 0 {
				h.status = StatusMustAbort
			}
		}
	}
}

// lockWrites locks every write-set key: local entries go through
// hostComm in one round trip (FetchWrite keys are already locked by the
// host and never appear here), remote entries through RPC, and the two
// results AND-reduce into status.
func (h *Host) lockWrites(ctx context.Context) error {
	h.ctrl.RestartBatch()
	for i := 0; i < h.writeset.len(); i++ {
		it := h.writeset.at(i)
		if it.partID == h.partID {
			h.hc.appendLock(it.tableID, it.key)
		} else {
			h.ctrl.AppendReq(wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, it.partID, constants.RPCLock)
		}
	}

	ok, err := h.hc.flushLocks(ctx)
	if err != nil {
		return err
	}
	if !ok {
		h.status = StatusMustAbort
	}

	return h.sendAndReduce(ctx)
}

// validate checks every read-set observation: local reads against the
// seq recorded at Read time in the shared store and then via the
// comm-channel's read-shadow-then-validate round trip, remote reads via
// RPC, AND-reduced the same way as lockWrites.
func (h *Host) validate(ctx context.Context) error {
	h.ctrl.RestartBatch()
	for i := 0; i < h.readset.len(); i++ {
		it := h.readset.at(i)
		if it.partID == h.partID {
			tbl, err := h.catalog.MemTable(it.tableID)
			if err != nil {
				h.status = StatusMustAbort
				continue
			}
			meta, err := tbl.GetMeta(it.key)
			if err != nil || !meta.Unlocked() || meta.Seq != it.seq {
				h.status = StatusMustAbort
			}
		} else {
			h.ctrl.AppendReq(wire.ValidateItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, ObservedSeq: it.seq}, it.partID, constants.RPCValidate)
		}
	}

	ok, err := h.hc.flushValidate(ctx)
	if err != nil {
		return err
	}
	if !ok {
		h.status = StatusMustAbort
	}

	return h.sendAndReduce(ctx)
}

// sendAndReduce sends whatever remote-partition requests are staged,
// waits for every reply, and AND-reduces each ReduceReply.Success into
// status, exactly like Remote.sendAndReduce.
func (h *Host) sendAndReduce(ctx context.Context) error {
	if err := h.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	if err := h.ctrl.WaitUntilDone(ctx); err != nil {
		return err
	}
	buf, n := h.ctrl.GetRespBufNum()
	for i := 0; i < n; i++ {
		slot := buf[i*constants.MaxPacket : (i+1)*constants.MaxPacket]
		rr := bytes.NewReader(slot)
		if _, err := wire.DecodeReplyFrameHeader(rr); err != nil {
			h.logger.Errorf("reduce reply: malformed header: %v", err)
			h.status = StatusMustAbort
			continue
		}
		rep, err := wire.DecodeReduceReply(rr)
		if err != nil || !rep.Success {
			h.status = StatusMustAbort
		}
	}
	return nil
}

func (h *Host) commitWritesOn(update bool) {
	set := &h.writeset
	if update {
		set = &h.updateset
	}
	for i := 0; i < set.len(); i++ {
		it := set.at(i)
		if it.partID == h.partID {
			tbl, err := h.catalog.MemTable(it.tableID)
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
			h.ctrl.AppendReq(rpcctrl.ValueItemNoSeq{ValueItem: wire.ValueItem{KVKey: kv, Length: 0}}, it.partID, constants.RPCCommit)
		} else {
			h.ctrl.AppendReq(rpcctrl.ValueItemNoSeq{ValueItem: wire.ValueItem{KVKey: kv, Length: uint32(len(it.value)), Value: it.value}}, it.partID, constants.RPCCommit)
		}
	}
}

// commitWrites commits every local key directly (a local commit never
// crosses the comm channel, since the host owns the value itself) and
// every remote key by RPC.
func (h *Host) commitWrites(ctx context.Context) error {
	h.ctrl.RestartBatch()
	h.commitWritesOn(true)
	h.commitWritesOn(false)
	if err := h.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	return h.ctrl.WaitUntilDone(ctx)
}

// release unlocks every key. Update-set local keys were locked by the
// host itself (FetchWrite's direct GetForUpd), so the host unlocks them
// directly here; write-set local keys were locked only by the DPU
// (lockWrites's hc.appendLock/flushLocks round trip), so those are left
// entirely to one bare RELEASE signal telling the DPU to replay and
// clear its own write-set shadow. Remote keys of either set unlock by
// RPC. The RELEASE signal is sent unconditionally: transcache tolerates
// a replay against a shadow that was never started.
func (h *Host) release(ctx context.Context) error {
	h.ctrl.RestartBatch()
	token := h.token()
	for i := 0; i < h.updateset.len(); i++ {
		it := h.updateset.at(i)
		if it.partID == h.partID {
			if tbl, err := h.catalog.MemTable(it.tableID); err == nil {
				tbl.Unlock(it.key, token)
			}
			continue
		}
		h.ctrl.AppendReq(wire.FlagItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, Insert: it.kind == wire.KindInsert}, it.partID, constants.RPCRelease)
	}
	for i := 0; i < h.writeset.len(); i++ {
		it := h.writeset.at(i)
		if it.partID == h.partID {
			continue
		}
		h.ctrl.AppendReq(wire.FlagItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, Insert: it.kind == wire.KindInsert}, it.partID, constants.RPCRelease)
	}
	if err := h.hc.flushRelease(ctx); err != nil {
		return err
	}
	if err := h.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	return h.ctrl.WaitUntilDone(ctx)
}

// recoverOnAborted unwinds whatever locking lockWrites managed. Update-
// set local keys were locked by the host itself and are unlocked (or
// erased, for a fresh FetchWrite-triggered insert) directly; write-set
// local keys were only ever locked by the DPU, so they're left to one
// bare ABORT signal telling the DPU to replay its own write-set shadow
// and erase or unlock each entry by its own record of what it locked.
// Remote keys of either set unwind by RPC.
func (h *Host) recoverOnAborted(ctx context.Context) error {
	h.ctrl.RestartBatch()
	token := h.token()
	for i := 0; i < h.updateset.len(); i++ {
		it := h.updateset.at(i)
		if it.partID == h.partID {
			tbl, err := h.catalog.MemTable(it.tableID)
			if err != nil {
				continue
			}
			if it.kind == wire.KindInsert {
				tbl.Erase(it.key)
			} else {
				tbl.Unlock(it.key, token)
			}
			continue
		}
		h.ctrl.AppendReq(wire.FlagItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, Insert: it.kind == wire.KindInsert}, it.partID, constants.RPCAbort)
	}
	for i := 0; i < h.writeset.len(); i++ {
		it := h.writeset.at(i)
		if it.partID == h.partID {
			continue
		}
		h.ctrl.AppendReq(wire.FlagItem{KVKey: wire.KVKey{TableID: it.tableID, PartID: uint32(it.partID), Key: it.key}, Insert: it.kind == wire.KindInsert}, it.partID, constants.RPCAbort)
	}
	if err := h.hc.flushAbort(ctx); err != nil {
		return err
	}
	if err := h.ctrl.SendBatchReqs(); err != nil {
		return err
	}
	return h.ctrl.WaitUntilDone(ctx)
}

// Commit runs the five-phase protocol, aborting instead if lockWrites
// or validate left the transaction in StatusMustAbort.
func (h *Host) Commit(ctx context.Context) error {
	if err := h.lockWrites(ctx); err != nil {
		return err
	}
	if h.status == StatusMustAbort {
		return h.Abort(ctx)
	}

	if err := h.validate(ctx); err != nil {
		return err
	}
	if h.status == StatusMustAbort {
		return h.Abort(ctx)
	}

	if err := h.commitWrites(ctx); err != nil {
		return err
	}
	if err := h.release(ctx); err != nil {
		return err
	}
	h.status = StatusCommitted
	return nil
}

// Abort unwinds whatever locking lockWrites managed to do, local and
// remote alike.
func (h *Host) Abort(ctx context.Context) error {
	if err := h.recoverOnAborted(ctx); err != nil {
		return err
	}
	h.status = StatusAborted
	return nil
}

func (h *Host) IsAborted() bool   { return h.status == StatusAborted }
func (h *Host) IsCommitted() bool { return h.status == StatusCommitted }
