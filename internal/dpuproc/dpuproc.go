// Package dpuproc implements the DPU-side half of the comm channel of
// spec.md §4.C/§4.H: the five LOCAL_* info handlers a DPU offload
// process runs against its host's own partition, shadowing read/write
// sets into the Trans Cache View the same way the cache-backed Batch
// RPC Processor does for remote callers, but replying over the comm
// channel instead of the RDMA fabric and never carrying value payloads
// (the host reads its own partition's values directly out of its local
// replica). Grounded on dpu_rpc_proc.rs's local_read_info_handler,
// local_lock_info_handler, local_validate_info_handler,
// local_release_info_handler and local_abort_info_handler.
package dpuproc

import (
	"bytes"

	"github.com/occfabric/occtrans/internal/commchan"
	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/lockword"
	"github.com/occfabric/occtrans/internal/logging"
	"github.com/occfabric/occtrans/internal/store"
	"github.com/occfabric/occtrans/internal/transcache"
	"github.com/occfabric/occtrans/internal/wire"
)

const kvKeySize = 4 + 4 + 8 // table_id, part_id, key

// readShadowItemSize and writeShadowItemSize mirror rpcproc's cache
// shadow item shapes, reused verbatim since the DPU-side and RPC-side
// Trans Cache View are the same structure keyed the same way.
const readShadowItemSize = 4 + 4 + 8 + 8
const writeShadowItemSize = 4 + 4 + 8 + 1

// Processor is the Handler a DPU's comm channel registers to answer its
// host's LOCAL_READ/LOCAL_LOCK/LOCAL_VALIDATE/LOCAL_RELEASE/LOCAL_ABORT
// info messages against catalog, one per (tid) worker the same way
// rpcproc.Processor is one per RPC worker.
type Processor struct {
	catalog *store.Catalog
	cache   *transcache.Cache
	tid     uint32
	ch      *commchan.Channel
	logger  *logging.Logger
}

// New builds a comm-channel processor replying over ch.
func New(catalog *store.Catalog, cache *transcache.Cache, tid uint32, ch *commchan.Channel) *Processor {
	return &Processor{catalog: catalog, cache: cache, tid: tid, ch: ch, logger: logging.Default().With("tid", tid)}
}

// HandleComm implements commchan.Handler.
func (p *Processor) HandleComm(buf *commchan.Buf, h wire.CommHeader) {
	switch h.InfoID {
	case constants.LocalRead:
		p.localRead(buf, h)
	case constants.LocalLock:
		p.localLock(buf, h)
	case constants.LocalValidate:
		p.localValidate(h)
	case constants.LocalRelease:
		p.localRelease(h)
	case constants.LocalAbort:
		p.localAbort(h)
	default:
		p.logger.Errorf("handle_comm: unknown info_id %d", h.InfoID)
	}
}

func (p *Processor) transKey(h wire.CommHeader) wire.TransKey {
	return wire.TransKey{PeerPartID: uint16(h.Pid), ServerTid: uint16(p.tid), ClientCid: h.Cid}
}

func (p *Processor) token(h wire.CommHeader) uint64 {
	return lockword.LockContent{PartID: uint16(h.Pid), Tid: uint16(p.tid), Cid: h.Cid}.Pack()
}

// localRead shadows {table_id, key, observed_seq} into the read-set for
// every key the host registered, replying unconditional success — a
// read can never fail the batch, it only records what VALIDATE must
// later re-check. The value itself never crosses the comm channel; the
// host already has it from its own local replica.
func (p *Processor) localRead(buf *commchan.Buf, h wire.CommHeader) {
	key := p.transKey(h)
	p.cache.StartReadTrans(key, readShadowItemSize)

	r := bytes.NewReader(buf.ItemBytes(kvKeySize, int(h.Payload)/kvKeySize))
	for r.Len() > 0 {
		kv, err := wire.DecodeKVKey(r)
		if err != nil {
			p.logger.Errorf("local_read: malformed item: %v", err)
			break
		}
		seq := uint64(0)
		if tbl, err := p.catalog.MemTable(kv.TableID); err == nil {
			if m, err := tbl.GetMeta(kv.Key); err == nil {
				seq = m.Seq
			}
		}
		var shadow bytes.Buffer
		wire.ValidateItem{KVKey: wire.KVKey{TableID: kv.TableID, Key: kv.Key}, ObservedSeq: seq}.Encode(&shadow)
		if err := p.cache.AppendRead(key, shadow.Bytes()); err != nil {
			p.logger.Errorf("local_read: shadow append: %v", err)
		}
	}

	p.replyEmpty(h)
}

// localLock locks every write-set key registered by appendLock,
// shadowing {table_id, key, insert} for RELEASE/ABORT to replay later,
// and replies with the AND-reduced success bit. Fetch-write-for-update
// keys never reach here: the host locks those directly against its own
// replica.
func (p *Processor) localLock(buf *commchan.Buf, h wire.CommHeader) {
	key := p.transKey(h)
	p.cache.StartWriteTrans(key, writeShadowItemSize)
	token := p.token(h)
	success := true

	r := bytes.NewReader(buf.ItemBytes(kvKeySize, int(h.Payload)/kvKeySize))
	for r.Len() > 0 {
		kv, err := wire.DecodeKVKey(r)
		if err != nil {
			p.logger.Errorf("local_lock: malformed item: %v", err)
			break
		}
		tbl, err := p.catalog.MemTable(kv.TableID)
		if err != nil {
			success = false
			continue
		}
		m, ok, lockErr := tbl.Lock(kv.Key, token)
		if lockErr != nil || !ok {
			success = false
			continue
		}
		var shadow bytes.Buffer
		wire.FlagItem{KVKey: wire.KVKey{TableID: kv.TableID, Key: kv.Key}, Insert: m.Seq == constants.SeqInsertInitial}.Encode(&shadow)
		if err := p.cache.AppendWrite(key, shadow.Bytes()); err != nil {
			p.logger.Errorf("local_lock: shadow append: %v", err)
		}
	}

	p.replyReduce(h, success)
}

// localValidate replays the read-set shadow localRead built, the comm
// channel's counterpart to rpcproc's validateCache.
func (p *Processor) localValidate(h wire.CommHeader) {
	key := p.transKey(h)
	success := true

	bufCount := p.cache.RangeCount(key, false)
	for i := 0; i < bufCount && success; i++ {
		data, count, err := p.cache.ReadBuf(key, i, false)
		if err != nil {
			p.logger.Errorf("local_validate: %v", err)
			success = false
			break
		}
		r := bytes.NewReader(data)
		for j := 0; j < count; j++ {
			item, err := wire.DecodeValidateItem(r)
			if err != nil {
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
	p.replyReduce(h, success)
}

// localRelease unlocks every key in the write-set shadow; unlocking is
// tolerant of a key that was never actually locked, so this always
// succeeds.
func (p *Processor) localRelease(h wire.CommHeader) {
	key := p.transKey(h)
	token := p.token(h)

	shadow, err := p.collectWriteShadow(key)
	if err != nil {
		p.logger.Errorf("local_release: %v", err)
	}
	for _, sh := range shadow {
		if tbl, err := p.catalog.MemTable(sh.TableID); err == nil {
			tbl.Unlock(sh.Key, token)
		}
	}
	p.cache.EndWriteTrans(key)

	p.replyEmpty(h)
}

// localAbort erases insert-origin keys and unlocks everything else.
// Each write-set entry is visited exactly once here: unlike a design
// that both unlocks in a cleanup pass and erases in a second pass, this
// walks the shadow a single time and picks one of the two per entry, so
// a freshly-inserted key is never unlocked after being erased.
func (p *Processor) localAbort(h wire.CommHeader) {
	key := p.transKey(h)
	token := p.token(h)

	shadow, err := p.collectWriteShadow(key)
	if err != nil {
		p.logger.Errorf("local_abort: %v", err)
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

	p.replyEmpty(h)
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

func (p *Processor) replyEmpty(h wire.CommHeader) {
	reply := wire.CommHeader{Type: constants.FrameResp, InfoID: h.InfoID, Payload: 0, Pid: h.Pid, Cid: h.Cid}
	if err := p.ch.AppendEmptyMsg(reply); err != nil {
		p.logger.Errorf("reply_empty: %v", err)
	}
	p.ch.FlushPendingMsgs()
}

func (p *Processor) replyReduce(h wire.CommHeader, success bool) {
	var enc bytes.Buffer
	wire.ReduceReply{Success: success}.Encode(&enc)
	reply := wire.CommHeader{Type: constants.FrameResp, InfoID: h.InfoID, Payload: uint32(enc.Len()), Pid: h.Pid, Cid: h.Cid}
	if err := p.ch.AppendItemMsg(reply, enc.Bytes()); err != nil {
		p.logger.Errorf("reply_reduce: %v", err)
	}
	p.ch.FlushPendingMsgs()
}
