// Package transport implements the Reliable Datagram Connection analogue
// of spec.md §4.A: doorbell-batched sends with selective signaling, a
// pre-posted receive ring, one-sided batch posting, and the watermark
// back-pressure scheme, plus the connection registry/handshake and base
// allocator of §4.B.
//
// No RDMA verbs or DOCA binding exists anywhere in the retrieved example
// pack (see DESIGN.md), so the physical link here is a TCP socket tuned
// with golang.org/x/sys/unix, framed with a length prefix per queued
// message so many gathered sends can still be coalesced into a single
// underlying Write — the doorbell. The watermark/signaling/back-pressure
// bookkeeping above that link is implemented exactly as spec.md §4.A
// describes it.
package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/occfabric/occtrans"
	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/logging"
)

// RecvCallback is invoked once per received message with the message
// bytes (header included, as the scheduler expects to parse it).
type RecvCallback func(msg []byte)

// SendCallback is invoked once per non-trivial send completion (i.e.
// one carrying a wr_id payload beyond a plain doorbell-batch send ack).
type SendCallback func(wrID uint64)

// WorkRequest is a single one-sided operation queued by PostBatch,
// modeled after ibv_send_wr's chain-of-descriptors shape minus the
// pointer plumbing Go doesn't need.
type WorkRequest struct {
	WrID    uint64
	Payload []byte
}

type sendCompletion struct {
	highWatermark uint64
	wrID          uint64
}

// Conn is one Reliable-Datagram-style connection to a peer.
type Conn struct {
	peerID uint64
	nc     net.Conn
	w      *bufio.Writer
	logger *logging.Logger

	// doorbell batch + watermarks, guarded by mu per spec.md §5
	// ("Connection state: a small mutex per RDMA connection guards
	// doorbell batch and watermarks").
	mu             sync.Mutex
	pending        [][]byte
	highWatermark  uint64
	lowWatermark   uint64
	pendingSends   uint64

	recvCh   chan []byte
	sendCh   chan sendCompletion
	closeCh  chan struct{}
	closeErr atomic.Value // error

	recvCallback atomic.Pointer[RecvCallback]
	sendCallback atomic.Pointer[SendCallback]
}

// NewConn wraps an already-connected net.Conn (post handshake) as a
// Reliable Datagram Connection for peerID.
func NewConn(peerID uint64, nc net.Conn) *Conn {
	tuneSocket(nc)
	c := &Conn{
		peerID:  peerID,
		nc:      nc,
		w:       bufio.NewWriterSize(nc, constants.MaxPacket*4),
		logger:  logging.Default().With("peer_id", peerID),
		recvCh:  make(chan []byte, constants.MaxRecv),
		sendCh:  make(chan sendCompletion, constants.MaxSend),
		closeCh: make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// RegisterRecvCallback installs the handler invoked for every received
// message. In the Rust original the scheduler holds only a weak
// reference to break an ownership cycle with the worker; Go's GC makes
// that pattern unnecessary; the default, uninstalled callback instead
// panics with context, matching the original's DEFAULT_RDMA_RECV_HANDLER
// sentinel (a message arriving before anyone registered to handle it is
// a programming error, not a runtime condition to swallow).
func (c *Conn) RegisterRecvCallback(cb RecvCallback) {
	c.recvCallback.Store(&cb)
}

func (c *Conn) RegisterSendCallback(cb SendCallback) {
	c.sendCallback.Store(&cb)
}

func (c *Conn) recvLoop() {
	r := bufio.NewReaderSize(c.nc, constants.MaxPacket*4)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			c.closeErr.Store(occtrans.NewError(occtrans.KindTransport, "recv_loop", "read length prefix", err))
			close(c.closeCh)
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			c.closeErr.Store(occtrans.NewError(occtrans.KindTransport, "recv_loop", "read message body", err))
			close(c.closeCh)
			return
		}
		select {
		case c.recvCh <- buf:
		case <-c.closeCh:
			return
		}
	}
}

// Err returns the fatal transport error observed by the background recv
// loop, if any.
func (c *Conn) Err() error {
	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// PeerID returns the remote peer's identity.
func (c *Conn) PeerID() uint64 { return c.peerID }

// --- TwoSidesComm: send_pending / flush_pending -----------------------

// SendPending appends one message to the doorbell batch. If the batch
// reaches MaxDoorbellSend queued messages, it is flushed immediately.
func (c *Conn) SendPending(msg []byte) error {
	c.mu.Lock()
	c.pending = append(c.pending, msg)
	full := len(c.pending) >= constants.MaxDoorbellSend
	c.mu.Unlock()

	if full {
		return c.FlushPending(false)
	}
	return nil
}

// FlushPending breaks the doorbell batch's implicit chain and posts it
// as a single underlying Write. Selective signaling mirrors spec.md
// §4.A: the flush is "signaled" (lowWatermark advances immediately, as
// our substitute transport has no separate completion queue to poll
// later) iff pendingSends+len(batch) >= MaxSignalPendings or
// forceSignal.
func (c *Conn) FlushPending(forceSignal bool) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	n := uint64(len(batch))
	if n == 0 {
		c.mu.Unlock()
		return nil
	}
	needSignal := (c.pendingSends+n) >= constants.MaxSignalPendings || forceSignal
	c.highWatermark += n
	if needSignal {
		c.pendingSends = 0
	} else {
		c.pendingSends += n
	}
	hw := c.highWatermark
	c.mu.Unlock()

	for _, msg := range batch {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(msg)))
		if _, err := c.w.Write(lenBuf[:]); err != nil {
			return occtrans.NewError(occtrans.KindTransport, "flush_pending", "write length prefix", err)
		}
		if _, err := c.w.Write(msg); err != nil {
			return occtrans.NewError(occtrans.KindTransport, "flush_pending", "write message body", err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return occtrans.NewError(occtrans.KindTransport, "flush_pending", "flush doorbell batch", err)
	}

	if needSignal {
		select {
		case c.sendCh <- sendCompletion{highWatermark: hw}:
		default:
			// Completion queue full: poll_send will still observe the
			// eventual state via GetHighWatermark()/GetLowWatermark()
			// even if this particular completion event is coalesced
			// away, matching the hardware behavior that a CQ entry can
			// subsume earlier ones once work-request ids are ordered.
		}
	}
	return nil
}

// --- OneSideComm: post_batch -------------------------------------------

// PostBatch posts n one-sided work requests as a pre-built chain; the
// last is always treated as completion-requesting. It advances
// highWatermark by n and resets pendingSends, per spec.md §4.A.
func (c *Conn) PostBatch(wrs []WorkRequest) error {
	n := uint64(len(wrs))
	if n == 0 {
		return nil
	}
	c.mu.Lock()
	c.highWatermark += n
	c.pendingSends = 0
	hw := c.highWatermark
	c.mu.Unlock()

	for _, wr := range wrs {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(wr.Payload)))
		if _, err := c.w.Write(lenBuf[:]); err != nil {
			return occtrans.NewError(occtrans.KindTransport, "post_batch", "write payload", err)
		}
		if _, err := c.w.Write(wr.Payload); err != nil {
			return occtrans.NewError(occtrans.KindTransport, "post_batch", "write payload", err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return occtrans.NewError(occtrans.KindTransport, "post_batch", "flush batch", err)
	}

	last := wrs[len(wrs)-1]
	select {
	case c.sendCh <- sendCompletion{highWatermark: hw, wrID: last.WrID}:
	default:
	}

	if c.NeedPoll() {
		c.PollInNeed()
	}
	return nil
}

// --- polling ------------------------------------------------------------

// PollRecvs drains up to MaxRecv queued received messages, invoking the
// registered recv callback for each, then flushes any sends the
// callback queued along the way (handlers append replies via
// SendPending, which per spec.md §4.A should be flushed at the end of a
// poll pass rather than immediately).
func (c *Conn) PollRecvs() int {
	cbp := c.recvCallback.Load()
	n := 0
	for n < constants.MaxRecv {
		select {
		case msg := <-c.recvCh:
			if cbp == nil {
				panic(occtrans.NewError(occtrans.KindProtocol, "poll_recvs", "no recv callback registered", nil))
			}
			(*cbp)(msg)
			n++
		default:
			goto drained
		}
	}
drained:
	if n > 0 {
		c.FlushPending(false)
	}
	return n
}

// PollSend drains one send completion, updating lowWatermark. Per
// spec.md §9 design note (iv), a non-event poll never claims a
// completion: an empty channel read returns false immediately, it is
// not an optimistic success.
func (c *Conn) PollSend() bool {
	select {
	case comp := <-c.sendCh:
		c.mu.Lock()
		c.lowWatermark = comp.highWatermark
		c.mu.Unlock()
		if comp.wrID != 0 {
			if cbp := c.sendCallback.Load(); cbp != nil {
				(*cbp)(comp.wrID)
			}
		}
		return true
	default:
		return false
	}
}

// NeedPoll reports whether outstanding signaled sends have crossed the
// back-pressure watermark.
func (c *Conn) NeedPoll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.highWatermark - c.lowWatermark) >= (constants.MaxSend / 2)
}

// PollInNeed drains send completions until NeedPoll is satisfied.
func (c *Conn) PollInNeed() {
	for c.NeedPoll() {
		if !c.PollSend() {
			return
		}
	}
}

// HighWatermark and LowWatermark expose the raw counters for tests and
// metrics.
func (c *Conn) HighWatermark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highWatermark
}

func (c *Conn) LowWatermark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowWatermark
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}
