// Package scheduler implements the Async Scheduler of spec.md §4.F: a
// single-threaded cooperative scheduler per worker thread that owns
// per-coroutine request/reply buffers, dispatches received RPC frames
// by type, and fans in multi-reply completions.
//
// "Single-threaded cooperative" in the original is a hand-rolled
// task-queue of explicit state machines (no OS threads, no async
// runtime). Go's goroutines are themselves cooperatively scheduled at
// suspension points and the language gives no cheaper way to express
// "many lightweight tasks awaiting named events" than one goroutine per
// coroutine plus channel-based gates — so that is the substitution
// here, documented once rather than re-justified at each yield point.
package scheduler

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/occfabric/occtrans"
	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/logging"
	"github.com/occfabric/occtrans/internal/transport"
	"github.com/occfabric/occtrans/internal/wire"
)

// RPCMeta carries the envelope fields the scheduler peels off a request
// frame before handing the remaining items to the registered handler.
type RPCMeta struct {
	Cid    uint32
	PeerID uint64
	Num    uint32
}

// RPCHandler is the single registered dispatcher for every REQ/Y_REQ
// frame arriving on any connection owned by this scheduler, per
// spec.md §4.F ("the scheduler is the single registered recv callback
// for every connection").
type RPCHandler interface {
	HandleRPC(conn *transport.Conn, rpcID uint32, meta RPCMeta, items []byte)
}

// Scheduler is one worker thread's cooperative scheduler.
type Scheduler struct {
	registry *transport.Registry
	handler  RPCHandler

	reqBufs   [][]byte
	replyBufs [][]byte
	replySlot []int32 // atomic write cursor into replyBufs[cid], in MaxPacket-sized slots
	pending   []int32 // atomic count of outstanding replies expected

	ready     []*gate
	dmaReady  []*gate
	commReady []*gate

	commPending []int32 // atomic count of outstanding comm-channel info replies expected
	commOK      []int32 // atomic 1/0: whether every comm-channel reply seen so far reported success

	stopped atomic.Bool
	logger  *logging.Logger
	metrics *metrics
}

// New builds a scheduler of constants.NumCoroutines coroutines over
// registry, dispatching REQ/Y_REQ frames to handler. Connections
// already present in registry are attached immediately; connections
// registered afterward must be attached explicitly via Attach.
func New(workerID string, registry *transport.Registry, handler RPCHandler) *Scheduler {
	n := constants.NumCoroutines
	s := &Scheduler{
		registry:  registry,
		handler:   handler,
		reqBufs:   make([][]byte, n),
		replyBufs: make([][]byte, n),
		replySlot: make([]int32, n),
		pending:   make([]int32, n),
		ready:       make([]*gate, n),
		dmaReady:    make([]*gate, n),
		commReady:   make([]*gate, n),
		commPending: make([]int32, n),
		commOK:      make([]int32, n),
		logger:    logging.Default().With("worker_id", workerID),
		metrics:   newMetrics(workerID),
	}
	for i := 0; i < n; i++ {
		s.reqBufs[i] = make([]byte, constants.MaxPacket)
		s.replyBufs[i] = make([]byte, constants.MaxReq*constants.MaxPacket)
		s.ready[i] = newGate()
		s.dmaReady[i] = newGate()
		s.commReady[i] = newGate()
	}
	for _, c := range registry.All() {
		s.Attach(c)
	}
	return s
}

// Attach registers the scheduler as c's sole recv callback.
func (s *Scheduler) Attach(c *transport.Conn) {
	c.RegisterRecvCallback(func(msg []byte) { s.onRecv(c, msg) })
}

// --- buffer shop --------------------------------------------------------

// GetReqBuf returns cid's exclusive request scratch buffer. The caller
// fills it from offset 0; AppendPendingReq prefixes the 4-byte header
// separately rather than reserving space in this slice, since Go slices
// make a leading reserved region more awkward than it is worth versus
// the original's byte_sub(4) pointer trick.
func (s *Scheduler) GetReqBuf(cid uint32) []byte {
	return s.reqBufs[cid]
}

// GetReplyBuf returns cid's fan-in reply arena, MaxReq slots of
// MaxPacket bytes each.
func (s *Scheduler) GetReplyBuf(cid uint32) []byte {
	return s.replyBufs[cid]
}

// GetRespBufNum returns the first frameCount MaxPacket-sized slots of
// cid's reply arena, per spec.md §4.G's get_resp_buf_num.
func (s *Scheduler) GetRespBufNum(cid uint32, frameCount int) []byte {
	return s.replyBufs[cid][:frameCount*constants.MaxPacket]
}

// --- send side -----------------------------------------------------------

// AppendPendingReq writes a 4-byte RPC header in front of body and
// enqueues the resulting frame onto peerID's connection doorbell batch.
func (s *Scheduler) AppendPendingReq(cid, rpcID, rpcType uint32, peerID uint64, body []byte) error {
	conn, ok := s.registry.Get(peerID)
	if !ok {
		return occtrans.NewError(occtrans.KindTransport, "append_pending_req", "no connection for peer", nil)
	}
	frame := encodeFrame(rpcType, rpcID, cid, body)
	if err := conn.SendPending(frame); err != nil {
		return err
	}
	s.metrics.requestsSent.Inc()
	return nil
}

// SendReply is the one-shot reply path: it does not wait for doorbell
// batching, forcing the send out (and its completion signaled)
// immediately.
func (s *Scheduler) SendReply(peerID uint64, cid uint32, body []byte) error {
	conn, ok := s.registry.Get(peerID)
	if !ok {
		return occtrans.NewError(occtrans.KindTransport, "send_reply", "no connection for peer", nil)
	}
	frame := encodeFrame(constants.FrameResp, 0, cid, body)
	if err := conn.SendPending(frame); err != nil {
		return err
	}
	return conn.FlushPending(true)
}

func encodeFrame(frameType, rpcID, cid uint32, body []byte) []byte {
	h := wire.RPCHeader{Type: frameType, RPCID: rpcID, Payload: uint32(len(body)), Cid: cid}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], h.Encode())
	copy(frame[4:], body)
	return frame
}

// FlushPending flushes every connection's doorbell batch, per
// spec.md §4.F's flush_pending().
func (s *Scheduler) FlushPending() {
	for _, c := range s.registry.All() {
		_ = c.FlushPending(false)
	}
}

// --- reply fan-in ----------------------------------------------------------

// PrepareMultiReplys arms cid's fan-in counter at n and rearms its
// ready gate, per spec.md §4.G.
func (s *Scheduler) PrepareMultiReplys(cid uint32, n int) {
	atomic.StoreInt32(&s.replySlot[cid], 0)
	s.ready[cid].drain()
	atomic.StoreInt32(&s.pending[cid], int32(n))
	if n == 0 {
		s.ready[cid].Signal()
	}
}

func (s *Scheduler) depositReply(cid uint32, payload []byte) {
	slot := atomic.AddInt32(&s.replySlot[cid], 1) - 1
	buf := s.replyBufs[cid]
	off := int(slot) * constants.MaxPacket
	if off < 0 || off+len(payload) > len(buf) {
		s.metrics.fanInOverflow.Inc()
		panic(occtrans.NewError(occtrans.KindProtocol, "deposit_reply", "reply fan-in overflow", nil))
	}
	copy(buf[off:], payload)
	s.metrics.repliesDeposited.Inc()

	remaining := atomic.AddInt32(&s.pending[cid], -1)
	if remaining < 0 {
		panic(occtrans.NewError(occtrans.KindProtocol, "deposit_reply", "reply arrived with no outstanding request", nil))
	}
	if remaining == 0 {
		s.ready[cid].Signal()
	}
}

// PrepareCommReplys arms cid's comm-channel reply counter at n and
// rearms its success flag and ready gate, mirroring PrepareMultiReplys
// for the RPC fan-in but reducing to a single success bool rather than
// depositing payloads, per the comm-channel controller's
// prepare_comm_replys.
func (s *Scheduler) PrepareCommReplys(cid uint32, n int) {
	atomic.StoreInt32(&s.commOK[cid], 1)
	s.commReady[cid].drain()
	atomic.StoreInt32(&s.commPending[cid], int32(n))
	if n == 0 {
		s.commReady[cid].Signal()
	}
}

// DepositCommReply records one comm-channel info reply for cid,
// AND-reducing success into the batch's running verdict. Once every
// reply armed by PrepareCommReplys has arrived, the commReady gate is
// signaled and CommReplySuccess(cid) reports the reduced verdict.
func (s *Scheduler) DepositCommReply(cid uint32, success bool) {
	if !success {
		atomic.StoreInt32(&s.commOK[cid], 0)
	}
	remaining := atomic.AddInt32(&s.commPending[cid], -1)
	if remaining < 0 {
		panic(occtrans.NewError(occtrans.KindProtocol, "deposit_comm_reply", "comm reply arrived with no outstanding request", nil))
	}
	if remaining == 0 {
		s.commReady[cid].Signal()
	}
}

// CommReplySuccess reports whether every comm-channel reply in the most
// recently completed batch for cid reported success.
func (s *Scheduler) CommReplySuccess(cid uint32) bool {
	return atomic.LoadInt32(&s.commOK[cid]) != 0
}

// --- receive side ----------------------------------------------------------

func (s *Scheduler) onRecv(conn *transport.Conn, msg []byte) {
	if len(msg) < 4 {
		s.logger.Errorf("recv: frame shorter than header: %d bytes", len(msg))
		return
	}
	raw := binary.LittleEndian.Uint32(msg[:4])
	hdr := wire.DecodeRPCHeader(raw)
	body := msg[4:]
	if uint32(len(body)) < hdr.Payload {
		s.logger.Errorf("recv: frame payload truncated: header says %d, have %d", hdr.Payload, len(body))
		return
	}
	body = body[:hdr.Payload]

	switch hdr.Type {
	case constants.FrameReq, constants.FrameYReq:
		s.dispatchRequest(conn, hdr.RPCID, body)
	case constants.FrameResp:
		s.dispatchReply(body)
	default:
		panic(occtrans.NewError(occtrans.KindProtocol, "recv", "reserved frame type", nil))
	}
}

func (s *Scheduler) dispatchRequest(conn *transport.Conn, rpcID uint32, body []byte) {
	r := bytes.NewReader(body)
	reqHdr, err := wire.DecodeRequestFrameHeader(r)
	if err != nil {
		s.logger.Errorf("recv: malformed request frame header: %v", err)
		return
	}
	items := body[len(body)-r.Len():]
	if s.handler == nil {
		panic(occtrans.NewError(occtrans.KindProtocol, "dispatch_request", "no RPC handler registered", nil))
	}
	s.handler.HandleRPC(conn, rpcID, RPCMeta{Cid: reqHdr.Cid, PeerID: reqHdr.PeerID, Num: reqHdr.Num}, items)
}

func (s *Scheduler) dispatchReply(body []byte) {
	r := bytes.NewReader(body)
	replyHdr, err := wire.DecodeReplyFrameHeader(r)
	if err != nil {
		s.logger.Errorf("recv: malformed reply frame header: %v", err)
		return
	}
	// body, not just the items past the header, is what gets deposited:
	// the fan-in consumer (rpcctrl.Controller's reader) re-parses
	// {write, cid, num} out of each slot itself, since replies for a
	// multi-frame batch can land in arrival order rather than send
	// order and the per-slot header is the only way to tell a slot's
	// opcode flavor and item count apart once deposited.
	s.depositReply(replyHdr.Cid, body)
}

// --- yield points ------------------------------------------------------

// YieldNow cooperatively yields without waiting on any specific event.
func (s *Scheduler) YieldNow(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// YieldUntilReady blocks cid's coroutine until its fan-in counter
// reaches zero.
func (s *Scheduler) YieldUntilReady(ctx context.Context, cid uint32) error {
	start := time.Now()
	err := s.ready[cid].Wait(ctx)
	s.metrics.readyWaitSeconds.Observe(time.Since(start).Seconds())
	return err
}

// YieldUntilDmaReady blocks cid's coroutine until SignalDmaReady(cid)
// is called by the DMA pool once an async copy completes.
func (s *Scheduler) YieldUntilDmaReady(ctx context.Context, cid uint32) error {
	return s.dmaReady[cid].Wait(ctx)
}

// SignalDmaReady wakes cid's coroutine from YieldUntilDmaReady.
func (s *Scheduler) SignalDmaReady(cid uint32) { s.dmaReady[cid].Signal() }

// YieldUntilCommReady blocks cid's coroutine until SignalCommReady(cid)
// is called once a comm-channel round trip completes.
func (s *Scheduler) YieldUntilCommReady(ctx context.Context, cid uint32) error {
	return s.commReady[cid].Wait(ctx)
}

// SignalCommReady wakes cid's coroutine from YieldUntilCommReady.
func (s *Scheduler) SignalCommReady(cid uint32) { s.commReady[cid].Signal() }

// --- poll loop -----------------------------------------------------------

// MainRoutine alternates poll_recvs/poll_sends across every registered
// connection and yields, never blocking, until ctx is canceled or Stop
// is called.
func (s *Scheduler) MainRoutine(ctx context.Context) error {
	for {
		if s.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for _, c := range s.registry.All() {
			n := c.PollRecvs()
			c.PollSend()
			if n > 0 {
				s.metrics.recvsPolled.Add(float64(n))
			}
		}
		if err := s.YieldNow(ctx); err != nil {
			return err
		}
	}
}

// Stop requests MainRoutine exit at its next iteration.
func (s *Scheduler) Stop() { s.stopped.Store(true) }
