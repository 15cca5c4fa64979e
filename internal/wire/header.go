// Package wire implements the bit-packed frame headers and item
// encodings shared by the RPC layer and the DPU comm channel, per
// spec.md §6.
package wire

// RPCHeader is the 4-byte, little-endian bit-packed header that
// precedes every RPC request or reply frame:
//
//	MSB -> LSB: [type:2][rpc_id:5][payload:18][cid:7]
type RPCHeader struct {
	Type    uint32 // FrameReq / FrameYReq / FrameResp
	RPCID   uint32 // 5 bits: opcode 1..7
	Payload uint32 // 18 bits: byte length of the body following the header
	Cid     uint32 // 7 bits: originating coroutine id
}

const (
	rpcTypeBits    = 2
	rpcIDBits      = 5
	rpcPayloadBits = 18
	rpcCidBits     = 7

	rpcTypeMask    = (1 << rpcTypeBits) - 1
	rpcIDMask      = (1 << rpcIDBits) - 1
	rpcPayloadMask = (1 << rpcPayloadBits) - 1
	rpcCidMask     = (1 << rpcCidBits) - 1
)

// Encode packs the header into its wire uint32. Field values are
// truncated to their declared widths by the caller's responsibility;
// Encode itself masks defensively so a too-wide value cannot corrupt
// neighboring fields.
func (h RPCHeader) Encode() uint32 {
	return (h.Type&rpcTypeMask)<<(rpcIDBits+rpcPayloadBits+rpcCidBits) |
		(h.RPCID&rpcIDMask)<<(rpcPayloadBits+rpcCidBits) |
		(h.Payload&rpcPayloadMask)<<rpcCidBits |
		(h.Cid & rpcCidMask)
}

// DecodeRPCHeader unpacks a wire uint32 into an RPCHeader. Per spec.md
// §9, reserved type values must be rejected by the caller (Type > 2 is
// meaningless here but Decode does not itself validate — validation is
// the protocol layer's job since a raw bit-unpack cannot fail).
func DecodeRPCHeader(raw uint32) RPCHeader {
	return RPCHeader{
		Type:    (raw >> (rpcIDBits + rpcPayloadBits + rpcCidBits)) & rpcTypeMask,
		RPCID:   (raw >> (rpcPayloadBits + rpcCidBits)) & rpcIDMask,
		Payload: (raw >> rpcCidBits) & rpcPayloadMask,
		Cid:     raw & rpcCidMask,
	}
}

// CommHeader is the 4-byte bit-packed header embedded before each info
// body inside a comm-channel transfer frame:
//
//	MSB -> LSB: [type:2][info_id:5][payload:13][pid:5][cid:7]
type CommHeader struct {
	Type    uint32
	InfoID  uint32
	Payload uint32
	Pid     uint32
	Cid     uint32
}

const (
	commTypeBits    = 2
	commIDBits      = 5
	commPayloadBits = 13
	commPidBits     = 5
	commCidBits     = 7

	commTypeMask    = (1 << commTypeBits) - 1
	commIDMask      = (1 << commIDBits) - 1
	commPayloadMask = (1 << commPayloadBits) - 1
	commPidMask     = (1 << commPidBits) - 1
	commCidMask     = (1 << commCidBits) - 1
)

func (h CommHeader) Encode() uint32 {
	return (h.Type&commTypeMask)<<(commIDBits+commPayloadBits+commPidBits+commCidBits) |
		(h.InfoID&commIDMask)<<(commPayloadBits+commPidBits+commCidBits) |
		(h.Payload&commPayloadMask)<<(commPidBits+commCidBits) |
		(h.Pid&commPidMask)<<commCidBits |
		(h.Cid & commCidMask)
}

func DecodeCommHeader(raw uint32) CommHeader {
	return CommHeader{
		Type:    (raw >> (commIDBits + commPayloadBits + commPidBits + commCidBits)) & commTypeMask,
		InfoID:  (raw >> (commPayloadBits + commPidBits + commCidBits)) & commIDMask,
		Payload: (raw >> (commPidBits + commCidBits)) & commPayloadMask,
		Pid:     (raw >> commCidBits) & commPidMask,
		Cid:     raw & commCidMask,
	}
}
