package rpcproc

import (
	"bytes"

	"github.com/occfabric/occtrans/internal/scheduler"
	"github.com/occfabric/occtrans/internal/transport"
	"github.com/occfabric/occtrans/internal/wire"
)

// readDirect answers each IndexedKVKey item with a full {idx, seq,
// length, value} copy, length 0 meaning "not found". The reply's idx is
// the caller's own, not this frame's position, so a client spreading
// one read-set across several peers can scatter replies back correctly
// regardless of arrival order.
func (p *Processor) readDirect(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	r := bytes.NewReader(items)
	var resp bytes.Buffer

	for r.Len() > 0 {
		key, err := wire.DecodeIndexedKVKey(r)
		if err != nil {
			p.logger.Errorf("read: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(key.TableID)
		if err != nil {
			p.logger.Errorf("read: %v", err)
			continue
		}
		val := make([]byte, tbl.ValueSize())
		meta2, err := tbl.GetReadonly(key.Key, val)
		length := uint32(len(val))
		seq := uint64(0)
		if err != nil {
			length = 0
		} else {
			seq = meta2.Seq
		}
		wire.IndexedValueItem{Idx: key.Idx, Seq: seq, Length: length, Value: val[:length]}.Encode(&resp)
	}

	p.reply(conn, meta, true, meta.Num, resp.Bytes())
}

// fetchWriteDirect attempts to lock+read each key; a contended key
// replies with length 0 rather than failing the whole frame.
func (p *Processor) fetchWriteDirect(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	r := bytes.NewReader(items)
	var resp bytes.Buffer
	token := p.lockContent(meta)

	for r.Len() > 0 {
		key, err := wire.DecodeIndexedKVKey(r)
		if err != nil {
			p.logger.Errorf("fetch_write: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(key.TableID)
		if err != nil {
			p.logger.Errorf("fetch_write: %v", err)
			continue
		}
		val := make([]byte, tbl.ValueSize())
		m, ok, err := tbl.GetForUpd(key.Key, val, token)
		length := uint32(len(val))
		seq := m.Seq
		if err != nil || !ok {
			length, seq = 0, 0
		}
		wire.IndexedValueItem{Idx: key.Idx, Seq: seq, Length: length, Value: val[:length]}.Encode(&resp)
	}

	p.reply(conn, meta, true, meta.Num, resp.Bytes())
}

// lockDirect locks every item for this transaction's holder identity.
// It short-circuits on the first failure, per spec.md §4.H's tie-break
// rule; the engine's abort path unconditionally unlocks every write-set
// item regardless of how far LOCK got, and MemStore.Unlock tolerates an
// unlock of a key this transaction never actually locked as a no-op —
// so short-circuiting here never leaves a key locked that ABORT forgets
// to visit (spec.md §9 open question (i), resolved).
func (p *Processor) lockDirect(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	r := bytes.NewReader(items)
	token := p.lockContent(meta)
	success := true

	for r.Len() > 0 {
		key, err := wire.DecodeKVKey(r)
		if err != nil {
			p.logger.Errorf("lock: malformed item: %v", err)
			return
		}
		if !success {
			continue
		}
		tbl, err := p.catalog.MemTable(key.TableID)
		if err != nil {
			p.logger.Errorf("lock: %v", err)
			success = false
			continue
		}
		_, ok, err := tbl.Lock(key.Key, token)
		if err != nil || !ok {
			success = false
		}
	}

	var resp bytes.Buffer
	wire.ReduceReply{Success: success}.Encode(&resp)
	p.reply(conn, meta, false, 1, resp.Bytes())
}

// validateDirect checks every observed key is still unlocked at the
// observed seq.
func (p *Processor) validateDirect(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	r := bytes.NewReader(items)
	success := true

	for r.Len() > 0 {
		item, err := wire.DecodeValidateItem(r)
		if err != nil {
			p.logger.Errorf("validate: malformed item: %v", err)
			return
		}
		if !success {
			continue
		}
		tbl, err := p.catalog.MemTable(item.TableID)
		if err != nil {
			success = false
			continue
		}
		m, err := tbl.GetMeta(item.Key)
		if err != nil || !m.Unlocked() || m.Seq != item.ObservedSeq {
			success = false
		}
	}

	var resp bytes.Buffer
	wire.ReduceReply{Success: success}.Encode(&resp)
	p.reply(conn, meta, false, 1, resp.Bytes())
}

// commitDirect erases (length==0) or updates+bumps the seq of each key.
func (p *Processor) commitDirect(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	r := bytes.NewReader(items)

	for r.Len() > 0 {
		item, err := wire.DecodeValueItemNoSeq(r)
		if err != nil {
			p.logger.Errorf("commit: malformed item: %v", err)
			return
		}

		tbl, err := p.catalog.MemTable(item.TableID)
		if err != nil {
			p.logger.Errorf("commit: %v", err)
			continue
		}
		if item.Length == 0 {
			tbl.Erase(item.Key)
		} else {
			tbl.UpdValSeq(item.Key, item.Value)
		}
	}

	p.reply(conn, meta, false, 0, nil)
}

// releaseDirect unlocks every key for this transaction's holder.
func (p *Processor) releaseDirect(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	r := bytes.NewReader(items)
	token := p.lockContent(meta)

	for r.Len() > 0 {
		item, err := wire.DecodeFlagItem(r)
		if err != nil {
			p.logger.Errorf("release: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(item.TableID)
		if err != nil {
			p.logger.Errorf("release: %v", err)
			continue
		}
		tbl.Unlock(item.Key, token)
	}

	p.reply(conn, meta, false, 0, nil)
}

// abortDirect erases insert-origin keys and unlocks everything else.
func (p *Processor) abortDirect(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	r := bytes.NewReader(items)
	token := p.lockContent(meta)

	for r.Len() > 0 {
		item, err := wire.DecodeFlagItem(r)
		if err != nil {
			p.logger.Errorf("abort: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(item.TableID)
		if err != nil {
			p.logger.Errorf("abort: %v", err)
			continue
		}
		if item.Insert {
			tbl.Erase(item.Key)
		} else {
			tbl.Unlock(item.Key, token)
		}
	}

	p.reply(conn, meta, false, 0, nil)
}
