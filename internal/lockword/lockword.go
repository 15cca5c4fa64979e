// Package lockword implements the packed LockContent holder identity
// and the atomic compare-and-swap helpers every storage node's lock
// word is built from, per spec.md §3 and §9 ("per-entry atomic lock").
package lockword

import "sync/atomic"

// LockContent packs a lock holder's identity into 64 bits so holder
// comparison is a single uint64 equality:
//
//	{ part_id: 16, tid: 16, cid: 32 }
//
// The zero value is reserved for "unlocked".
type LockContent struct {
	PartID uint16
	Tid    uint16
	Cid    uint32
}

// Pack encodes the holder identity as a uint64 lock word.
func (l LockContent) Pack() uint64 {
	return uint64(l.PartID)<<48 | uint64(l.Tid)<<32 | uint64(l.Cid)
}

// Unpack decodes a uint64 lock word back into a LockContent. Unpacking
// the zero word yields the zero LockContent, which callers must treat
// as "unlocked", not as a valid holder with all-zero identity fields.
func Unpack(word uint64) LockContent {
	return LockContent{
		PartID: uint16(word >> 48),
		Tid:    uint16(word >> 32),
		Cid:    uint32(word),
	}
}

// IsUnlocked reports whether a raw lock word names no holder.
func IsUnlocked(word uint64) bool { return word == 0 }

// TryLock attempts to acquire word for token via CAS(word, 0, token).
// token must be nonzero. Returns true on success.
func TryLock(word *atomic.Uint64, token uint64) bool {
	return word.CompareAndSwap(0, token)
}

// Unlock releases word via CAS(word, token, 0). Per spec.md invariant 1
// and the design note on the per-entry atomic lock, a mismatch (the
// word already names a different holder, or is already 0) is tolerated
// as "already released" rather than treated as an error — the caller
// never clobbers a different holder's lock.
func Unlock(word *atomic.Uint64, token uint64) {
	word.CompareAndSwap(token, 0)
}

// Holder reads the current holder's LockContent, or the zero value if
// unlocked.
func Holder(word *atomic.Uint64) LockContent {
	return Unpack(word.Load())
}
