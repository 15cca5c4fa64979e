package occ

import (
	"bytes"
	"context"

	"github.com/occfabric/occtrans/internal/commchan"
	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/scheduler"
	"github.com/occfabric/occtrans/internal/wire"
)

// hostComm is the host side of one transaction's DPU comm-channel
// traffic: the local partition's lock table for write-set keys lives on
// the DPU, not the host, so LOCK and VALIDATE — which would otherwise
// be direct catalog calls on a single-partition driver — instead
// accumulate a registration here, flushed at the matching
// commit-sequence phase. Fetch-write-for-update keys never pass through
// here: the host locks and reads those directly against the shared
// store (MemStore.Lock's CAS(0,token) would simply fail a second
// attempt at a lock the host already holds), so only write-set LOCK and
// read-set VALIDATE cross the comm channel. Grounded on
// comm_chan_ctrl.rs's CommChanCtrl.
type hostComm struct {
	ch    *commchan.Channel
	sched *scheduler.Scheduler
	pid   uint32
	cid   uint32

	readInfos []wire.KVKey
	lockInfos []wire.KVKey
}

func newHostComm(ch *commchan.Channel, sched *scheduler.Scheduler, pid, cid uint32) *hostComm {
	return &hostComm{ch: ch, sched: sched, pid: pid, cid: cid}
}

// restartBatch clears every queued registration, called once at the
// start of a transaction; unlike Remote's rpcctrl.Controller, the same
// queue accumulates across a transaction's whole Read span and is only
// flushed at the LOCK and VALIDATE phases that consume it.
func (c *hostComm) restartBatch() {
	c.readInfos = c.readInfos[:0]
	c.lockInfos = c.lockInfos[:0]
}

// appendRead registers a local-partition read for later validation.
func (c *hostComm) appendRead(tableID uint32, key uint64) {
	c.readInfos = append(c.readInfos, wire.KVKey{TableID: tableID, Key: key})
}

// appendLock registers a write-set key that still needs an actual lock
// attempt, deferred to the DPU at the LOCK_WRITES phase.
func (c *hostComm) appendLock(tableID uint32, key uint64) {
	c.lockInfos = append(c.lockInfos, wire.KVKey{TableID: tableID, Key: key})
}

func encodeKVKeys(keys []wire.KVKey) []byte {
	var enc bytes.Buffer
	for _, k := range keys {
		k.Encode(&enc)
	}
	return enc.Bytes()
}

// flushLocks sends every key queued by appendLock as one LOCK_INFO
// message and reports the DPU's AND-reduced success bit. A transaction
// with no local write-set entries has nothing to send and trivially
// succeeds.
func (c *hostComm) flushLocks(ctx context.Context) (bool, error) {
	if len(c.lockInfos) == 0 {
		return true, nil
	}
	c.sched.PrepareCommReplys(c.cid, 1)
	enc := encodeKVKeys(c.lockInfos)
	h := wire.CommHeader{Type: constants.FrameReq, InfoID: constants.LocalLock, Payload: uint32(len(enc)), Pid: c.pid, Cid: c.cid}
	if err := c.ch.AppendSliceMsg(h, enc); err != nil {
		return false, err
	}
	c.ch.FlushPendingMsgs()
	if err := c.sched.YieldUntilCommReady(ctx, c.cid); err != nil {
		return false, err
	}
	c.lockInfos = c.lockInfos[:0]
	return c.sched.CommReplySuccess(c.cid), nil
}

// flushValidate sends every key queued by appendRead as a READ_INFO
// message (building the DPU's read-set shadow) immediately followed in
// the same batch by a bare VALIDATE signal, and reports success.
func (c *hostComm) flushValidate(ctx context.Context) (bool, error) {
	infoNum := 1
	if len(c.readInfos) > 0 {
		infoNum++
	}
	c.sched.PrepareCommReplys(c.cid, infoNum)

	if len(c.readInfos) > 0 {
		enc := encodeKVKeys(c.readInfos)
		h := wire.CommHeader{Type: constants.FrameReq, InfoID: constants.LocalRead, Payload: uint32(len(enc)), Pid: c.pid, Cid: c.cid}
		if err := c.ch.AppendSliceMsg(h, enc); err != nil {
			return false, err
		}
	}
	h := wire.CommHeader{Type: constants.FrameReq, InfoID: constants.LocalValidate, Payload: 0, Pid: c.pid, Cid: c.cid}
	if err := c.ch.AppendEmptyMsg(h); err != nil {
		return false, err
	}
	c.ch.FlushPendingMsgs()
	if err := c.sched.YieldUntilCommReady(ctx, c.cid); err != nil {
		return false, err
	}
	c.readInfos = c.readInfos[:0]
	return c.sched.CommReplySuccess(c.cid), nil
}

// flushRelease sends a bare RELEASE signal; the DPU replays its own
// write-set shadow to decide what to unlock, so no body is needed.
func (c *hostComm) flushRelease(ctx context.Context) error {
	return c.sendBareSignal(ctx, constants.LocalRelease)
}

// flushAbort sends a bare ABORT signal, the RELEASE phase's unwind
// counterpart.
func (c *hostComm) flushAbort(ctx context.Context) error {
	return c.sendBareSignal(ctx, constants.LocalAbort)
}

func (c *hostComm) sendBareSignal(ctx context.Context, infoID uint32) error {
	c.sched.PrepareCommReplys(c.cid, 1)
	h := wire.CommHeader{Type: constants.FrameReq, InfoID: infoID, Payload: 0, Pid: c.pid, Cid: c.cid}
	if err := c.ch.AppendEmptyMsg(h); err != nil {
		return err
	}
	c.ch.FlushPendingMsgs()
	return c.sched.YieldUntilCommReady(ctx, c.cid)
}

// registerHostCommReplies installs the one Handler a host's comm
// channel needs to resolve every outstanding hostComm batch on that
// channel, keyed by the cid each reply's header carries back unchanged.
// Every reply is a bare success bit (wire.ReduceReply, payload 1) except
// RELEASE's and ABORT's, which carry no payload at all and always mean
// success, per dpuproc's local_release_info_handler/local_abort_info_handler.
func registerHostCommReplies(ch *commchan.Channel, sched *scheduler.Scheduler) {
	ch.RegisterHandler(func(buf *commchan.Buf, h wire.CommHeader) {
		success := true
		if h.Payload > 0 {
			r, err := wire.DecodeReduceReply(bytes.NewReader(buf.ItemBytes(1, 1)))
			if err == nil {
				success = r.Success
			} else {
				success = false
			}
		}
		sched.DepositCommReply(h.Cid, success)
	})
}
