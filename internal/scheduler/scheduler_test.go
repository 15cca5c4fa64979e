package scheduler

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/transport"
	"github.com/occfabric/occtrans/internal/wire"
)

// pipeRegistries wires two in-memory-connected registries together
// without going through the TCP handshake, for scheduler-level tests
// that only care about frame dispatch.
func pipeRegistries(t *testing.T) (*transport.Registry, *transport.Registry, *transport.Conn, *transport.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	serverConn := transport.NewConn(2, c1) // server's view of the client, peer_id=2
	clientConn := transport.NewConn(1, c2) // client's view of the server, peer_id=1

	serverReg := transport.NewRegistry(1)
	clientReg := transport.NewRegistry(2)
	return serverReg, clientReg, serverConn, clientConn
}

type recordingHandler struct {
	calls chan struct {
		rpcID uint32
		meta  RPCMeta
		items []byte
	}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{calls: make(chan struct {
		rpcID uint32
		meta  RPCMeta
		items []byte
	}, 8)}
}

func (h *recordingHandler) HandleRPC(conn *transport.Conn, rpcID uint32, meta RPCMeta, items []byte) {
	h.calls <- struct {
		rpcID uint32
		meta  RPCMeta
		items []byte
	}{rpcID, meta, append([]byte(nil), items...)}
}

func buildRequestBody(t *testing.T, peerID uint64, cid uint32, items []byte, num uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	wire.RequestFrameHeader{PeerID: peerID, Cid: cid, Num: num}.Encode(&buf)
	buf.Write(items)
	return buf.Bytes()
}

func TestSchedulerDispatchesRequestToHandler(t *testing.T) {
	serverReg, _, serverConn, clientConn := pipeRegistries(t)
	defer serverConn.Close()
	defer clientConn.Close()

	serverReg.Insert(2, serverConn)

	handler := newRecordingHandler()
	s := New("server", serverReg, handler)
	s.Attach(serverConn)

	body := buildRequestBody(t, 2, 5, []byte{0xAA, 0xBB, 0xCC, 0xDD}, 1)
	require.NoError(t, clientConn.SendPending(prefixHeader(constants.FrameReq, constants.RPCRead, 5, body)))
	require.NoError(t, clientConn.FlushPending(true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		serverConn.PollRecvs()
		select {
		case call := <-handler.calls:
			require.Equal(t, constants.RPCRead, call.rpcID)
			require.Equal(t, uint64(2), call.meta.PeerID)
			require.Equal(t, uint32(5), call.meta.Cid)
			require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, call.items)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("handler never invoked")
}

func TestSchedulerReplyFanIn(t *testing.T) {
	serverReg, _, serverConn, clientConn := pipeRegistries(t)
	defer serverConn.Close()
	defer clientConn.Close()
	serverReg.Insert(2, serverConn)

	s := New("server", serverReg, newRecordingHandler())
	s.Attach(serverConn)

	const cid = uint32(3)
	s.PrepareMultiReplys(cid, 2)

	var replyBuf bytes.Buffer
	wire.ReplyFrameHeader{Write: 0, Cid: cid, Num: 1}.Encode(&replyBuf)
	replyBuf.Write([]byte{0x01})
	frame1 := prefixHeader(constants.FrameResp, 0, cid, replyBuf.Bytes())

	var replyBuf2 bytes.Buffer
	wire.ReplyFrameHeader{Write: 0, Cid: cid, Num: 1}.Encode(&replyBuf2)
	replyBuf2.Write([]byte{0x01})
	frame2 := prefixHeader(constants.FrameResp, 0, cid, replyBuf2.Bytes())

	require.NoError(t, clientConn.SendPending(frame1))
	require.NoError(t, clientConn.SendPending(frame2))
	require.NoError(t, clientConn.FlushPending(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			serverConn.PollRecvs()
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, s.YieldUntilReady(ctx, cid))
}

func TestPrepareMultiReplysZeroIsImmediatelyReady(t *testing.T) {
	serverReg, _, serverConn, _ := pipeRegistries(t)
	defer serverConn.Close()
	serverReg.Insert(2, serverConn)

	s := New("server", serverReg, newRecordingHandler())
	s.PrepareMultiReplys(7, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.YieldUntilReady(ctx, 7))
}

func prefixHeader(frameType, rpcID, cid uint32, body []byte) []byte {
	return encodeFrame(frameType, rpcID, cid, body)
}
