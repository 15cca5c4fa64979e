package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueStorePutGetSetErase(t *testing.T) {
	v := NewValueStore(4, 16)

	require.NoError(t, v.Put(1, []byte{1, 2, 3, 4}))
	out := make([]byte, 4)
	require.NoError(t, v.Get(1, out))
	require.Equal(t, []byte{1, 2, 3, 4}, out)

	require.NoError(t, v.Set(1, []byte{9, 9, 9, 9}))
	require.NoError(t, v.Get(1, out))
	require.Equal(t, []byte{9, 9, 9, 9}, out)

	require.NoError(t, v.Erase(1))
	require.Error(t, v.Get(1, out))
}

func TestValueStoreSetMissingKeyErrors(t *testing.T) {
	v := NewValueStore(4, 16)
	require.Error(t, v.Set(1, []byte{1, 2, 3, 4}))
}
