package occtrans

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewError(KindTransport, "post_batch", "send failed", inner)

	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "op=post_batch")
	require.Contains(t, err.Error(), "kind=transport")
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := NewError(KindProtocol, "recv", "bad cid", nil)
	b := NewError(KindProtocol, "send_reply", "reply overflow", nil)

	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, NewError(KindTransport, "x", "y", nil)))
}

func TestErrNotFoundIsSentinel(t *testing.T) {
	require.True(t, errors.Is(ErrNotFound, ErrNotFound))
}
