package lockword

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	lc := LockContent{PartID: 3, Tid: 11, Cid: 70000}
	got := Unpack(lc.Pack())
	require.Equal(t, lc, got)
}

func TestZeroWordIsUnlocked(t *testing.T) {
	require.True(t, IsUnlocked(0))
	require.Equal(t, LockContent{}, Unpack(0))
}

func TestTryLockAndUnlock(t *testing.T) {
	var word atomic.Uint64
	token := LockContent{PartID: 1, Tid: 2, Cid: 3}.Pack()

	require.True(t, TryLock(&word, token))
	require.False(t, IsUnlocked(word.Load()))
	require.False(t, TryLock(&word, LockContent{PartID: 9}.Pack()), "second locker must fail")

	Unlock(&word, token)
	require.True(t, IsUnlocked(word.Load()))
}

func TestUnlockWithWrongTokenIsNoop(t *testing.T) {
	var word atomic.Uint64
	token := LockContent{Cid: 1}.Pack()
	require.True(t, TryLock(&word, token))

	Unlock(&word, LockContent{Cid: 2}.Pack())
	require.Equal(t, token, word.Load(), "unlock with the wrong holder must never clobber the real holder")
}

func TestUnlockAlreadyUnlockedIsNoop(t *testing.T) {
	var word atomic.Uint64
	Unlock(&word, LockContent{Cid: 5}.Pack())
	require.True(t, IsUnlocked(word.Load()))
}
