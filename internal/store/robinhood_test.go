package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRobinHoodInsertGet(t *testing.T) {
	tbl := NewTable[string](16, 4)
	require.True(t, tbl.Insert(10037, "alice"))
	require.True(t, tbl.Insert(13356, "bob"))

	v, ok := tbl.Get(10037)
	require.True(t, ok)
	require.Equal(t, "alice", v)

	v, ok = tbl.Get(13356)
	require.True(t, ok)
	require.Equal(t, "bob", v)

	_, ok = tbl.Get(999)
	require.False(t, ok)
}

func TestRobinHoodInsertDuplicateFails(t *testing.T) {
	tbl := NewTable[int](8, 4)
	require.True(t, tbl.Insert(1, 100))
	require.False(t, tbl.Insert(1, 200))
	v, _ := tbl.Get(1)
	require.Equal(t, 100, v)
}

func TestRobinHoodEraseThenReinsert(t *testing.T) {
	tbl := NewTable[int](8, 4)
	require.True(t, tbl.Insert(1, 100))
	v, ok := tbl.Erase(1)
	require.True(t, ok)
	require.Equal(t, 100, v)

	_, ok = tbl.Get(1)
	require.False(t, ok)

	require.True(t, tbl.Insert(1, 200))
	v, ok = tbl.Get(1)
	require.True(t, ok)
	require.Equal(t, 200, v)
}

func TestRobinHoodBackShiftPreservesProbeChain(t *testing.T) {
	// Force several keys into the same small table so some entries
	// accumulate dib > 0, then erase the head of the chain and verify
	// every surviving key is still reachable.
	tbl := NewTable[int](4, 4)
	keys := []uint64{0, 4, 8, 12} // all hash to slot 0 in an 4-slot table
	for i, k := range keys {
		require.True(t, tbl.Insert(k, i))
	}
	require.Equal(t, 4, tbl.Len())

	_, ok := tbl.Erase(0)
	require.True(t, ok)

	for _, k := range keys[1:] {
		_, ok := tbl.Get(k)
		require.True(t, ok, "key %d must remain reachable after back-shift", k)
	}
	_, ok = tbl.Get(0)
	require.False(t, ok)
}

func TestRobinHoodOverflowOnDeepDisplacement(t *testing.T) {
	// dibMax=0 forces every collision straight to overflow after the
	// first occupant of a slot.
	tbl := NewTable[int](2, 0)
	require.True(t, tbl.Insert(0, 1))
	require.True(t, tbl.Insert(2, 2)) // collides with slot 0 (2 % 2 == 0)
	require.Equal(t, 1, len(tbl.overflow))

	v, ok := tbl.Get(2)
	require.True(t, ok)
	require.Equal(t, 2, v)

	v, ok = tbl.Erase(2)
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 0, len(tbl.overflow))
}

func TestRobinHoodLen(t *testing.T) {
	tbl := NewTable[int](4, 2)
	require.Equal(t, 0, tbl.Len())
	tbl.Insert(1, 1)
	tbl.Insert(2, 2)
	require.Equal(t, 2, tbl.Len())
	tbl.Erase(1)
	require.Equal(t, 1, tbl.Len())
}
