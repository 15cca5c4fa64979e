// Package rpcproc implements the server-side Batch RPC Processor of
// spec.md §4.H: the seven OCC opcode handlers, in their direct (talk to
// the authoritative store directly) and cache-backed (shadow into the
// Trans Cache View keyed by TransKey, for a hybrid host/DPU split)
// flavors.
package rpcproc

import (
	"bytes"

	"github.com/occfabric/occtrans"
	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/lockword"
	"github.com/occfabric/occtrans/internal/logging"
	"github.com/occfabric/occtrans/internal/scheduler"
	"github.com/occfabric/occtrans/internal/store"
	"github.com/occfabric/occtrans/internal/transcache"
	"github.com/occfabric/occtrans/internal/transport"
	"github.com/occfabric/occtrans/internal/wire"
)

// Processor is the registered scheduler.RPCHandler for one worker
// thread. Cache is nil for the direct flavor; a non-nil Cache switches
// READ/FETCH_WRITE/LOCK/VALIDATE/RELEASE/ABORT to shadow into the Trans
// Cache View instead of replying with full item data, per spec.md
// §4.H's opcode table.
type Processor struct {
	catalog   *store.Catalog
	scheduler *scheduler.Scheduler
	tid       uint32
	cache     *transcache.Cache
	logger    *logging.Logger

	handlers map[uint32]func(conn *transport.Conn, meta scheduler.RPCMeta, items []byte)
}

// NewDirect builds a direct-flavor processor: every opcode talks
// straight to catalog, replies carry full item data.
func NewDirect(catalog *store.Catalog, sched *scheduler.Scheduler, tid uint32) *Processor {
	return newProcessor(catalog, sched, tid, nil)
}

// NewCacheBacked builds a cache-backed processor: READ/FETCH_WRITE
// shadow their observations into cache rather than the client keeping
// full records, and VALIDATE/RELEASE/ABORT/COMMIT replay the shadow
// instead of re-parsing the original request.
func NewCacheBacked(catalog *store.Catalog, sched *scheduler.Scheduler, tid uint32, cache *transcache.Cache) *Processor {
	return newProcessor(catalog, sched, tid, cache)
}

func newProcessor(catalog *store.Catalog, sched *scheduler.Scheduler, tid uint32, cache *transcache.Cache) *Processor {
	p := &Processor{
		catalog:   catalog,
		scheduler: sched,
		tid:       tid,
		cache:     cache,
		logger:    logging.Default().With("tid", tid),
	}
	if cache == nil {
		p.handlers = map[uint32]func(*transport.Conn, scheduler.RPCMeta, []byte){
			constants.RPCRead:       p.readDirect,
			constants.RPCFetchWrite: p.fetchWriteDirect,
			constants.RPCLock:       p.lockDirect,
			constants.RPCValidate:   p.validateDirect,
			constants.RPCCommit:     p.commitDirect,
			constants.RPCRelease:    p.releaseDirect,
			constants.RPCAbort:      p.abortDirect,
		}
	} else {
		p.handlers = map[uint32]func(*transport.Conn, scheduler.RPCMeta, []byte){
			constants.RPCRead:       p.readCache,
			constants.RPCFetchWrite: p.fetchWriteCache,
			constants.RPCLock:       p.lockCache,
			constants.RPCValidate:   p.validateCache,
			constants.RPCCommit:     p.commitCache,
			constants.RPCRelease:    p.releaseCache,
			constants.RPCAbort:      p.abortCache,
		}
	}
	return p
}

// HandleRPC implements scheduler.RPCHandler.
func (p *Processor) HandleRPC(conn *transport.Conn, rpcID uint32, meta scheduler.RPCMeta, items []byte) {
	h, ok := p.handlers[rpcID]
	if !ok {
		p.logger.Errorf("no handler registered for rpc_id %d", rpcID)
		return
	}
	h(conn, meta, items)
}

func (p *Processor) transKey(meta scheduler.RPCMeta) wire.TransKey {
	return wire.TransKey{PeerPartID: uint16(meta.PeerID), ServerTid: uint16(p.tid), ClientCid: meta.Cid}
}

func (p *Processor) lockContent(meta scheduler.RPCMeta) uint64 {
	return lockword.LockContent{PartID: uint16(meta.PeerID), Tid: uint16(p.tid), Cid: meta.Cid}.Pack()
}

func (p *Processor) reply(conn *transport.Conn, meta scheduler.RPCMeta, write bool, num uint32, body []byte) {
	var frame bytes.Buffer
	wire.ReplyFrameHeader{Write: boolToU8(write), Cid: meta.Cid, Num: num}.Encode(&frame)
	frame.Write(body)
	if err := p.scheduler.SendReply(meta.PeerID, meta.Cid, frame.Bytes()); err != nil {
		p.logger.Errorf("send_reply: %v", err)
	}
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
