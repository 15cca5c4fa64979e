package transcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/occfabric/occtrans/internal/dma"
	"github.com/occfabric/occtrans/internal/wire"
)

func TestStartAppendReadRoundTrip(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{PeerPartID: 1, ServerTid: 2, ClientCid: 3}

	c.StartReadTrans(key, 8)
	require.NoError(t, c.AppendRead(key, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, c.AppendRead(key, []byte{8, 7, 6, 5, 4, 3, 2, 1}))

	require.Equal(t, 1, c.RangeCount(key, false))
	data, count, err := c.ReadBuf(key, 0, false)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 8, 7, 6, 5, 4, 3, 2, 1}, data)
}

func TestAppendWithoutStartFails(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{ClientCid: 9}
	err := c.AppendRead(key, []byte{1})
	require.Error(t, err)
}

func TestAppendWrongSizeFails(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{ClientCid: 1}
	c.StartWriteTrans(key, 4)
	err := c.AppendWrite(key, []byte{1, 2})
	require.Error(t, err)
}

func TestRangeOverflowsIntoNewBuffer(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{ClientCid: 5}
	// itemSize chosen so MaxDmaBuf/itemSize == 2 items per buffer, making
	// the third append force a fresh buffer.
	itemSize := 4096
	c.StartWriteTrans(key, itemSize)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.AppendWrite(key, make([]byte, itemSize)))
	}

	require.GreaterOrEqual(t, c.RangeCount(key, true), 2)
}

func TestIdempotentStartDoesNotResetExistingRange(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{ClientCid: 2}
	c.StartReadTrans(key, 4)
	require.NoError(t, c.AppendRead(key, []byte{1, 2, 3, 4}))
	c.StartReadTrans(key, 4) // idempotent
	require.Equal(t, 1, c.RangeCount(key, false))
}

func TestEndTransFreesAndIsIdempotent(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{ClientCid: 3}
	c.StartReadTrans(key, 4)
	require.NoError(t, c.AppendRead(key, []byte{1, 2, 3, 4}))

	c.EndReadTrans(key)
	require.Equal(t, 0, c.RangeCount(key, false))

	// duplicate end is a no-op, not a panic.
	c.EndReadTrans(key)
}

func TestEndBothHalvesDropsEntry(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{ClientCid: 4}
	c.StartReadTrans(key, 4)
	c.StartWriteTrans(key, 4)

	c.EndReadTrans(key)
	c.EndWriteTrans(key)

	_, ok := c.get(key)
	require.False(t, ok)
}

func TestReadBufOutOfRangeErrors(t *testing.T) {
	c := New(dma.NewRemoteAllocator())
	key := wire.TransKey{ClientCid: 6}
	c.StartReadTrans(key, 4)
	_, _, err := c.ReadBuf(key, 0, false)
	require.Error(t, err)
}
