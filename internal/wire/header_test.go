package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRPCHeaderRoundTrip(t *testing.T) {
	h := RPCHeader{Type: 1, RPCID: 5, Payload: 131071, Cid: 127}
	raw := h.Encode()
	got := DecodeRPCHeader(raw)
	require.Equal(t, h, got)
}

func TestRPCHeaderFieldsDoNotLeakIntoNeighbors(t *testing.T) {
	// Payload set to all-ones within its width must not perturb Cid.
	h := RPCHeader{Type: 0, RPCID: 0, Payload: rpcPayloadMask, Cid: 3}
	got := DecodeRPCHeader(h.Encode())
	require.Equal(t, uint32(3), got.Cid)
	require.Equal(t, uint32(rpcPayloadMask), got.Payload)
}

func TestCommHeaderRoundTrip(t *testing.T) {
	h := CommHeader{Type: 2, InfoID: 6, Payload: 8191, Pid: 31, Cid: 127}
	raw := h.Encode()
	got := DecodeCommHeader(raw)
	require.Equal(t, h, got)
}

func TestCommHeaderZeroValue(t *testing.T) {
	var h CommHeader
	require.Equal(t, uint32(0), h.Encode())
	require.Equal(t, CommHeader{}, DecodeCommHeader(0))
}
