package rpcctrl

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/scheduler"
	"github.com/occfabric/occtrans/internal/transport"
	"github.com/occfabric/occtrans/internal/wire"
)

type nullHandler struct{}

func (nullHandler) HandleRPC(*transport.Conn, uint32, scheduler.RPCMeta, []byte) {}

// loopback wires a scheduler to one end of a net.Pipe and returns the
// Conn on the other end, so the test can read appended requests and
// write replies itself without a second process.
func loopback(t *testing.T) (*scheduler.Scheduler, *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	self := transport.NewConn(9, a)
	peer := transport.NewConn(1, b)

	reg := transport.NewRegistry(1)
	reg.Insert(9, self)

	s := scheduler.New("ctrl", reg, nullHandler{})
	s.Attach(self)
	return s, peer
}

func TestAppendReqCoalescesSamePeerAndOpcode(t *testing.T) {
	s, peer := loopback(t)
	defer peer.Close()

	c := New(s, 4)
	c.RestartBatch()

	c.AppendReq(wire.KVKey{TableID: 1, PartID: 0, Key: 10}, 9, constants.RPCRead)
	c.AppendReq(wire.KVKey{TableID: 1, PartID: 0, Key: 11}, 9, constants.RPCRead)

	require.Len(t, c.frames, 1)
	require.Equal(t, uint32(2), c.frames[0].num)
}

func TestAppendReqSplitsDifferentOpcodes(t *testing.T) {
	s, peer := loopback(t)
	defer peer.Close()

	c := New(s, 4)
	c.RestartBatch()

	c.AppendReq(wire.KVKey{TableID: 1, PartID: 0, Key: 10}, 9, constants.RPCRead)
	c.AppendReq(wire.KVKey{TableID: 1, PartID: 0, Key: 10}, 9, constants.RPCLock)

	require.Len(t, c.frames, 2)
}

func TestAppendReqWithDataUsesValueItemEncoding(t *testing.T) {
	s, peer := loopback(t)
	defer peer.Close()

	c := New(s, 4)
	c.RestartBatch()

	item := ValueItemNoSeq{wire.ValueItem{
		KVKey:  wire.KVKey{TableID: 2, PartID: 0, Key: 42},
		Length: 3,
		Value:  []byte{1, 2, 3},
	}}
	c.AppendReqWithData(item, 9, constants.RPCCommit)

	require.Len(t, c.frames, 1)
	require.Equal(t, uint32(1), c.frames[0].num)

	var want bytes.Buffer
	item.Encode(&want)
	require.Equal(t, want.Bytes(), c.frames[0].items)
}

func TestSendBatchReqsAndWaitUntilDone(t *testing.T) {
	s, peer := loopback(t)
	defer peer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.MainRoutine(ctx)

	// Drain the loopback peer's inbound requests and answer each with an
	// empty reduce-style reply, standing in for a remote responder.
	go func() {
		for {
			n := peer.PollRecvs()
			peer.PollSend()
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	peer.RegisterRecvCallback(func(msg []byte) {
		hdr := wire.DecodeRPCHeader(binary.LittleEndian.Uint32(msg[:4]))
		body := msg[4 : 4+hdr.Payload]
		r := bytes.NewReader(body)
		reqHdr, err := wire.DecodeRequestFrameHeader(r)
		require.NoError(t, err)

		var reply bytes.Buffer
		wire.ReplyFrameHeader{Write: 0, Cid: reqHdr.Cid, Num: 1}.Encode(&reply)
		reply.Write([]byte{0x01})

		replyHdr := wire.RPCHeader{Type: constants.FrameResp, RPCID: 0, Payload: uint32(reply.Len()), Cid: reqHdr.Cid}
		frame := make([]byte, 4+reply.Len())
		binary.LittleEndian.PutUint32(frame[:4], replyHdr.Encode())
		copy(frame[4:], reply.Bytes())
		require.NoError(t, peer.SendPending(frame))
		require.NoError(t, peer.FlushPending(true))
	})

	c := New(s, 5)
	c.RestartBatch()
	c.AppendReq(wire.KVKey{TableID: 1, PartID: 0, Key: 7}, 9, constants.RPCLock)
	require.NoError(t, c.SendBatchReqs())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitUntilDone(waitCtx))

	buf, n := c.GetRespBufNum()
	require.Equal(t, 1, n)
	require.NotNil(t, buf)
}

func TestRestartBatchClearsPriorFrames(t *testing.T) {
	s, peer := loopback(t)
	defer peer.Close()

	c := New(s, 4)
	c.RestartBatch()
	c.AppendReq(wire.KVKey{TableID: 1, PartID: 0, Key: 1}, 9, constants.RPCRead)
	require.Len(t, c.frames, 1)

	c.RestartBatch()
	require.Len(t, c.frames, 0)
	buf, n := c.GetRespBufNum()
	require.Nil(t, buf)
	require.Equal(t, 0, n)
}
