package wire

// TransKey identifies one in-flight client transaction from the
// perspective of a shared DPU/host worker, per spec.md §3:
// {peer_part_id:16, server_tid:16, client_cid:32} packed into 64 bits.
// It indexes the Trans Cache View the same way lockword.LockContent
// indexes a storage node's lock word.
type TransKey struct {
	PeerPartID uint16
	ServerTid  uint16
	ClientCid  uint32
}

// Pack encodes the key as the uint64 used as a map key and wire value.
func (k TransKey) Pack() uint64 {
	return uint64(k.PeerPartID)<<48 | uint64(k.ServerTid)<<32 | uint64(k.ClientCid)
}

// UnpackTransKey decodes a packed TransKey back into its fields.
func UnpackTransKey(word uint64) TransKey {
	return TransKey{
		PeerPartID: uint16(word >> 48),
		ServerTid:  uint16(word >> 32),
		ClientCid:  uint32(word),
	}
}
