package rpcproc

import (
	"bytes"

	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/scheduler"
	"github.com/occfabric/occtrans/internal/transport"
	"github.com/occfabric/occtrans/internal/wire"
)

// readShadowItemSize is the encoded size of the wire.ValidateItem this
// package reuses as the read-set shadow's item shape: {table_id, key,
// observed_seq}, the cache-backed flavor's analogue of
// CacheReadSetItem.
const readShadowItemSize = 4 + 4 + 8 + 8

// writeShadowItemSize is the encoded size of the wire.FlagItem this
// package reuses as the write-set shadow's item shape: {table_id, key,
// insert}, the cache-backed flavor's analogue of CacheWriteSetItem.
const writeShadowItemSize = 4 + 4 + 8 + 1

// readCache answers each item like readDirect but with the seq field
// omitted (left zero) and additionally shadows {table_id, key,
// observed_seq} into the read-set, per spec.md §4.H's cache semantics.
func (p *Processor) readCache(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	key := p.transKey(meta)
	p.cache.StartReadTrans(key, readShadowItemSize)

	r := bytes.NewReader(items)
	var resp bytes.Buffer

	for r.Len() > 0 {
		kv, err := wire.DecodeIndexedKVKey(r)
		if err != nil {
			p.logger.Errorf("read_cache: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(kv.TableID)
		if err != nil {
			p.logger.Errorf("read_cache: %v", err)
			continue
		}
		val := make([]byte, tbl.ValueSize())
		m, getErr := tbl.GetReadonly(kv.Key, val)
		length := uint32(len(val))
		seq := uint64(0)
		if getErr != nil {
			length = 0
		} else {
			seq = m.Seq
		}
		wire.IndexedValueItem{Idx: kv.Idx, Length: length, Value: val[:length]}.Encode(&resp)

		var shadow bytes.Buffer
		wire.ValidateItem{KVKey: wire.KVKey{TableID: kv.TableID, Key: kv.Key}, ObservedSeq: seq}.Encode(&shadow)
		if err := p.cache.AppendRead(key, shadow.Bytes()); err != nil {
			p.logger.Errorf("read_cache: shadow append: %v", err)
		}
	}

	p.reply(conn, meta, true, meta.Num, resp.Bytes())
}

// fetchWriteCache answers like fetchWriteDirect with the seq omitted,
// shadowing {table_id, key, insert=false} into the write-set.
func (p *Processor) fetchWriteCache(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	key := p.transKey(meta)
	p.cache.StartWriteTrans(key, writeShadowItemSize)
	token := p.lockContent(meta)

	r := bytes.NewReader(items)
	var resp bytes.Buffer

	for r.Len() > 0 {
		kv, err := wire.DecodeIndexedKVKey(r)
		if err != nil {
			p.logger.Errorf("fetch_write_cache: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(kv.TableID)
		if err != nil {
			p.logger.Errorf("fetch_write_cache: %v", err)
			continue
		}
		val := make([]byte, tbl.ValueSize())
		_, ok, getErr := tbl.GetForUpd(kv.Key, val, token)
		length := uint32(len(val))
		if getErr != nil || !ok {
			length = 0
		}
		wire.IndexedValueItem{Idx: kv.Idx, Length: length, Value: val[:length]}.Encode(&resp)

		var shadow bytes.Buffer
		wire.FlagItem{KVKey: wire.KVKey{TableID: kv.TableID, Key: kv.Key}, Insert: false}.Encode(&shadow)
		if err := p.cache.AppendWrite(key, shadow.Bytes()); err != nil {
			p.logger.Errorf("fetch_write_cache: shadow append: %v", err)
		}
	}

	p.reply(conn, meta, true, meta.Num, resp.Bytes())
}

// lockCache locks each item exactly like lockDirect but additionally
// shadows {table_id, key, insert} into the write-set, tagging insert
// true iff the observed seq is the fresh-key convention.
func (p *Processor) lockCache(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	key := p.transKey(meta)
	p.cache.StartWriteTrans(key, writeShadowItemSize)
	token := p.lockContent(meta)

	r := bytes.NewReader(items)
	success := true

	for r.Len() > 0 {
		kv, err := wire.DecodeKVKey(r)
		if err != nil {
			p.logger.Errorf("lock_cache: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(kv.TableID)
		if err != nil {
			p.logger.Errorf("lock_cache: %v", err)
			success = false
			continue
		}
		m, ok, lockErr := tbl.Lock(kv.Key, token)
		if lockErr != nil || !ok {
			success = false
			continue
		}

		var shadow bytes.Buffer
		wire.FlagItem{KVKey: kv, Insert: isFreshInsert(m.Seq)}.Encode(&shadow)
		if err := p.cache.AppendWrite(key, shadow.Bytes()); err != nil {
			p.logger.Errorf("lock_cache: shadow append: %v", err)
		}
	}

	var resp bytes.Buffer
	wire.ReduceReply{Success: success}.Encode(&resp)
	p.reply(conn, meta, false, 1, resp.Bytes())
}

// validateCache ignores the wire body entirely: VALIDATE, in the
// cache-backed flavor, replays the read-set shadow this worker already
// built up across the transaction's prior READ calls rather than
// re-sending every key over the wire, per spec.md §4.H.
func (p *Processor) validateCache(conn *transport.Conn, meta scheduler.RPCMeta, _ []byte) {
	key := p.transKey(meta)
	success := true

	bufCount := p.cache.RangeCount(key, false)
	for i := 0; i < bufCount && success; i++ {
		data, count, err := p.cache.ReadBuf(key, i, false)
		if err != nil {
			p.logger.Errorf("validate_cache: %v", err)
			success = false
			break
		}
		r := bytes.NewReader(data)
		for j := 0; j < count; j++ {
			item, err := wire.DecodeValidateItem(r)
			if err != nil {
				p.logger.Errorf("validate_cache: shadow decode: %v", err)
				success = false
				break
			}
			tbl, err := p.catalog.MemTable(item.TableID)
			if err != nil {
				success = false
				break
			}
			m, err := tbl.GetMeta(item.Key)
			if err != nil || !m.Unlocked() || m.Seq != item.ObservedSeq {
				success = false
				break
			}
		}
	}

	p.cache.EndReadTrans(key)

	var resp bytes.Buffer
	wire.ReduceReply{Success: success}.Encode(&resp)
	p.reply(conn, meta, false, 1, resp.Bytes())
}

// commitCache's request items carry only a value trailer, no key — the
// target key comes positionally from the write-set shadow LOCK already
// built. header.num is re-validated against the shadow's length before
// any iteration so a mismatched frame errors out instead of indexing
// past the shadow (spec.md §9 open question (iii), resolved).
func (p *Processor) commitCache(conn *transport.Conn, meta scheduler.RPCMeta, items []byte) {
	key := p.transKey(meta)
	shadow, err := p.collectWriteShadow(key)
	if err != nil {
		p.logger.Errorf("commit_cache: %v", err)
		p.reply(conn, meta, false, 0, nil)
		return
	}
	if int(meta.Num) != len(shadow) {
		p.logger.Errorf("commit_cache: frame claims %d items but write-set shadow has %d; refusing to commit", meta.Num, len(shadow))
		p.reply(conn, meta, false, 0, nil)
		return
	}

	r := bytes.NewReader(items)
	for _, sh := range shadow {
		item, err := wire.DecodeCommitCacheItem(r)
		if err != nil {
			p.logger.Errorf("commit_cache: malformed item: %v", err)
			return
		}
		tbl, err := p.catalog.MemTable(sh.TableID)
		if err != nil {
			p.logger.Errorf("commit_cache: %v", err)
			continue
		}
		if item.Length == 0 {
			tbl.Erase(sh.Key)
		} else {
			tbl.UpdValSeq(sh.Key, item.Value)
		}
	}

	p.reply(conn, meta, false, 0, nil)
}

// releaseCache unlocks every key in the write-set shadow and ends the
// TransKey's DPU-side state.
func (p *Processor) releaseCache(conn *transport.Conn, meta scheduler.RPCMeta, _ []byte) {
	key := p.transKey(meta)
	token := p.lockContent(meta)

	shadow, err := p.collectWriteShadow(key)
	if err != nil {
		p.logger.Errorf("release_cache: %v", err)
	}
	for _, sh := range shadow {
		if tbl, err := p.catalog.MemTable(sh.TableID); err == nil {
			tbl.Unlock(sh.Key, token)
		}
	}
	p.cache.EndWriteTrans(key)

	p.reply(conn, meta, false, 0, nil)
}

// abortCache is releaseCache's counterpart: insert-origin keys are
// erased rather than unlocked.
func (p *Processor) abortCache(conn *transport.Conn, meta scheduler.RPCMeta, _ []byte) {
	key := p.transKey(meta)
	token := p.lockContent(meta)

	shadow, err := p.collectWriteShadow(key)
	if err != nil {
		p.logger.Errorf("abort_cache: %v", err)
	}
	for _, sh := range shadow {
		tbl, err := p.catalog.MemTable(sh.TableID)
		if err != nil {
			continue
		}
		if sh.Insert {
			tbl.Erase(sh.Key)
		} else {
			tbl.Unlock(sh.Key, token)
		}
	}
	p.cache.EndWriteTrans(key)

	p.reply(conn, meta, false, 0, nil)
}

func (p *Processor) collectWriteShadow(key wire.TransKey) ([]wire.FlagItem, error) {
	var out []wire.FlagItem
	bufCount := p.cache.RangeCount(key, true)
	for i := 0; i < bufCount; i++ {
		data, count, err := p.cache.ReadBuf(key, i, true)
		if err != nil {
			return nil, err
		}
		r := bytes.NewReader(data)
		for j := 0; j < count; j++ {
			item, err := wire.DecodeFlagItem(r)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
	}
	return out, nil
}

func isFreshInsert(seq uint64) bool {
	return seq == constants.SeqInsertInitial
}
