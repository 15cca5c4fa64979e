package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RwKind is the kind of a read/write-set entry, per spec.md §3.
type RwKind uint8

const (
	KindRead RwKind = iota
	KindInsert
	KindUpdate
	KindErase
)

func (k RwKind) String() string {
	switch k {
	case KindRead:
		return "READ"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindErase:
		return "ERASE"
	default:
		return fmt.Sprintf("RwKind(%d)", k)
	}
}

// RequestFrameHeader precedes the items of an RPC request frame:
// {peer_id:u64, cid:u32, num:u32}.
type RequestFrameHeader struct {
	PeerID uint64
	Cid    uint32
	Num    uint32
}

const requestFrameHeaderSize = 8 + 4 + 4

func (h RequestFrameHeader) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, h.PeerID)
	binary.Write(buf, binary.LittleEndian, h.Cid)
	binary.Write(buf, binary.LittleEndian, h.Num)
}

func DecodeRequestFrameHeader(r *bytes.Reader) (RequestFrameHeader, error) {
	var h RequestFrameHeader
	if r.Len() < requestFrameHeaderSize {
		return h, fmt.Errorf("wire: short request frame header: %d bytes", r.Len())
	}
	binary.Read(r, binary.LittleEndian, &h.PeerID)
	binary.Read(r, binary.LittleEndian, &h.Cid)
	binary.Read(r, binary.LittleEndian, &h.Num)
	return h, nil
}

// ReplyFrameHeader precedes the items of an RPC reply frame:
// {write:u8, cid:u32, num:u32}. Write is nonzero for item-carrying
// replies (READ/FETCH_WRITE) and zero for reduce replies
// (LOCK/VALIDATE) and empty replies (COMMIT/RELEASE/ABORT).
type ReplyFrameHeader struct {
	Write uint8
	Cid   uint32
	Num   uint32
}

const replyFrameHeaderSize = 1 + 4 + 4

func (h ReplyFrameHeader) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, h.Write)
	binary.Write(buf, binary.LittleEndian, h.Cid)
	binary.Write(buf, binary.LittleEndian, h.Num)
}

func DecodeReplyFrameHeader(r *bytes.Reader) (ReplyFrameHeader, error) {
	var h ReplyFrameHeader
	if r.Len() < replyFrameHeaderSize {
		return h, fmt.Errorf("wire: short reply frame header: %d bytes", r.Len())
	}
	binary.Read(r, binary.LittleEndian, &h.Write)
	binary.Read(r, binary.LittleEndian, &h.Cid)
	binary.Read(r, binary.LittleEndian, &h.Num)
	return h, nil
}

// KVKey identifies one storage node request item: {table_id, part_id, key}.
type KVKey struct {
	TableID uint32
	PartID  uint32
	Key     uint64
}

func (k KVKey) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, k.TableID)
	binary.Write(buf, binary.LittleEndian, k.PartID)
	binary.Write(buf, binary.LittleEndian, k.Key)
}

func DecodeKVKey(r *bytes.Reader) (KVKey, error) {
	var k KVKey
	if r.Len() < 4+4+8 {
		return k, fmt.Errorf("wire: short KVKey: %d bytes", r.Len())
	}
	binary.Read(r, binary.LittleEndian, &k.TableID)
	binary.Read(r, binary.LittleEndian, &k.PartID)
	binary.Read(r, binary.LittleEndian, &k.Key)
	return k, nil
}

// IndexedKVKey is a READ/FETCH_WRITE request item: the key plus the
// caller's own rwset slot for it, echoed back verbatim in the matching
// IndexedValueItem reply so a client fanning requests out to more than
// one peer within the same coroutine can scatter each reply to the
// right slot regardless of which peer's reply lands first.
type IndexedKVKey struct {
	Idx uint32
	KVKey
}

func (k IndexedKVKey) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, k.Idx)
	k.KVKey.Encode(buf)
}

func DecodeIndexedKVKey(r *bytes.Reader) (IndexedKVKey, error) {
	var k IndexedKVKey
	if r.Len() < 4 {
		return k, fmt.Errorf("wire: short IndexedKVKey header")
	}
	binary.Read(r, binary.LittleEndian, &k.Idx)
	kv, err := DecodeKVKey(r)
	if err != nil {
		return k, err
	}
	k.KVKey = kv
	return k, nil
}

// ValidateItem is a VALIDATE request item: the key plus the seq observed
// at read time.
type ValidateItem struct {
	KVKey
	ObservedSeq uint64
}

func (v ValidateItem) Encode(buf *bytes.Buffer) {
	v.KVKey.Encode(buf)
	binary.Write(buf, binary.LittleEndian, v.ObservedSeq)
}

func DecodeValidateItem(r *bytes.Reader) (ValidateItem, error) {
	var v ValidateItem
	k, err := DecodeKVKey(r)
	if err != nil {
		return v, err
	}
	v.KVKey = k
	if r.Len() < 8 {
		return v, fmt.Errorf("wire: short ValidateItem trailer")
	}
	binary.Read(r, binary.LittleEndian, &v.ObservedSeq)
	return v, nil
}

// ValueItem carries a key plus a variable-length value trailer. COMMIT
// requests use its no-seq encoding (Length==0 means erase);
// READ/FETCH_WRITE replies use IndexedValueItem instead.
type ValueItem struct {
	KVKey
	Seq    uint64 // ignored on requests that do not carry a seq
	Length uint32
	Value  []byte
}

func (v ValueItem) EncodeWithSeq(buf *bytes.Buffer) {
	v.KVKey.Encode(buf)
	binary.Write(buf, binary.LittleEndian, v.Seq)
	binary.Write(buf, binary.LittleEndian, v.Length)
	buf.Write(v.Value[:v.Length])
}

func DecodeValueItemWithSeq(r *bytes.Reader) (ValueItem, error) {
	var v ValueItem
	k, err := DecodeKVKey(r)
	if err != nil {
		return v, err
	}
	v.KVKey = k
	if r.Len() < 8+4 {
		return v, fmt.Errorf("wire: short ValueItem header")
	}
	binary.Read(r, binary.LittleEndian, &v.Seq)
	binary.Read(r, binary.LittleEndian, &v.Length)
	if uint32(r.Len()) < v.Length {
		return v, fmt.Errorf("wire: value trailer truncated: want %d have %d", v.Length, r.Len())
	}
	v.Value = make([]byte, v.Length)
	r.Read(v.Value)
	return v, nil
}

// EncodeNoSeq and DecodeNoSeq handle the COMMIT request item, which
// carries no seq (the server computes the new seq itself).
func (v ValueItem) EncodeNoSeq(buf *bytes.Buffer) {
	v.KVKey.Encode(buf)
	binary.Write(buf, binary.LittleEndian, v.Length)
	buf.Write(v.Value[:v.Length])
}

func DecodeValueItemNoSeq(r *bytes.Reader) (ValueItem, error) {
	var v ValueItem
	k, err := DecodeKVKey(r)
	if err != nil {
		return v, err
	}
	v.KVKey = k
	if r.Len() < 4 {
		return v, fmt.Errorf("wire: short ValueItem header")
	}
	binary.Read(r, binary.LittleEndian, &v.Length)
	if uint32(r.Len()) < v.Length {
		return v, fmt.Errorf("wire: value trailer truncated: want %d have %d", v.Length, r.Len())
	}
	v.Value = make([]byte, v.Length)
	r.Read(v.Value)
	return v, nil
}

// FlagItem is a RELEASE/ABORT request item: the key plus whether this
// entry was an INSERT (so ABORT knows to erase rather than unlock).
type FlagItem struct {
	KVKey
	Insert bool
}

func (f FlagItem) Encode(buf *bytes.Buffer) {
	f.KVKey.Encode(buf)
	var b uint8
	if f.Insert {
		b = 1
	}
	binary.Write(buf, binary.LittleEndian, b)
}

func DecodeFlagItem(r *bytes.Reader) (FlagItem, error) {
	var f FlagItem
	k, err := DecodeKVKey(r)
	if err != nil {
		return f, err
	}
	f.KVKey = k
	if r.Len() < 1 {
		return f, fmt.Errorf("wire: short FlagItem trailer")
	}
	var b uint8
	binary.Read(r, binary.LittleEndian, &b)
	f.Insert = b != 0
	return f, nil
}

// IndexedValueItem is a READ/FETCH_WRITE reply item: the Idx echoed
// from the matching IndexedKVKey request item (so the client can
// scatter replies back to the right rwset slots) plus the seq and value
// trailer (Length==0 means "not found"/"lock contended").
type IndexedValueItem struct {
	Idx    uint32
	Seq    uint64
	Length uint32
	Value  []byte
}

func (v IndexedValueItem) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, v.Idx)
	binary.Write(buf, binary.LittleEndian, v.Seq)
	binary.Write(buf, binary.LittleEndian, v.Length)
	buf.Write(v.Value[:v.Length])
}

func DecodeIndexedValueItem(r *bytes.Reader) (IndexedValueItem, error) {
	var v IndexedValueItem
	if r.Len() < 4+8+4 {
		return v, fmt.Errorf("wire: short IndexedValueItem header")
	}
	binary.Read(r, binary.LittleEndian, &v.Idx)
	binary.Read(r, binary.LittleEndian, &v.Seq)
	binary.Read(r, binary.LittleEndian, &v.Length)
	if uint32(r.Len()) < v.Length {
		return v, fmt.Errorf("wire: value trailer truncated: want %d have %d", v.Length, r.Len())
	}
	v.Value = make([]byte, v.Length)
	r.Read(v.Value)
	return v, nil
}

// CommitCacheItem is a cache-backed COMMIT request item: just the value
// trailer, with no key. The target key is recovered positionally from
// the write-set shadow the Trans Cache View built up at LOCK time,
// since the host side of a hybrid commit only ever touches keys the DPU
// already locked on its behalf.
type CommitCacheItem struct {
	Length uint32
	Value  []byte
}

func (c CommitCacheItem) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, c.Length)
	buf.Write(c.Value[:c.Length])
}

func DecodeCommitCacheItem(r *bytes.Reader) (CommitCacheItem, error) {
	var c CommitCacheItem
	if r.Len() < 4 {
		return c, fmt.Errorf("wire: short CommitCacheItem header")
	}
	binary.Read(r, binary.LittleEndian, &c.Length)
	if uint32(r.Len()) < c.Length {
		return c, fmt.Errorf("wire: value trailer truncated: want %d have %d", c.Length, r.Len())
	}
	c.Value = make([]byte, c.Length)
	r.Read(c.Value)
	return c, nil
}

// ReduceReply is the single-byte {success} reply body for LOCK and
// VALIDATE requests.
type ReduceReply struct {
	Success bool
}

func (r ReduceReply) Encode(buf *bytes.Buffer) {
	var b uint8
	if r.Success {
		b = 1
	}
	binary.Write(buf, binary.LittleEndian, b)
}

func DecodeReduceReply(r *bytes.Reader) (ReduceReply, error) {
	if r.Len() < 1 {
		return ReduceReply{}, fmt.Errorf("wire: short ReduceReply")
	}
	var b uint8
	binary.Read(r, binary.LittleEndian, &b)
	return ReduceReply{Success: b != 0}, nil
}
