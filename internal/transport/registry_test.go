package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenTCP(t *testing.T, addr string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	return ln
}

func startListener(t *testing.T, r *Registry, addr string, expectedPeers int) net.Listener {
	t.Helper()
	ln := listenTCP(t, addr)
	go func() {
		_ = r.listenOn(ln, expectedPeers)
	}()
	return ln
}

func TestRegistryConnectListenHandshake(t *testing.T) {
	passive := NewRegistry(1)
	active := NewRegistry(2)

	ln := startListener(t, passive, "127.0.0.1:0", 1)
	defer ln.Close()

	activeConn, err := active.Connect(ln.Addr().String())
	require.NoError(t, err)
	require.Equal(t, uint64(1), activeConn.PeerID())

	require.Eventually(t, func() bool {
		_, ok := passive.Get(2)
		return ok
	}, 2*time.Second, time.Millisecond)

	passiveConn, ok := passive.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(2), passiveConn.PeerID())
}

func TestRegistryListenWaitsForExpectedPeerCount(t *testing.T) {
	passive := NewRegistry(1)

	ln := listenTCP(t, "127.0.0.1:0")
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = passive.listenOn(ln, 2)
	}()

	a2 := NewRegistry(2)
	a3 := NewRegistry(3)

	_, err := a2.Connect(ln.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := passive.Get(2)
		return ok
	}, 2*time.Second, time.Millisecond)

	// a third peer must still be awaited before Listen returns.
	select {
	case <-waitDone(&wg):
		t.Fatal("listen returned before the expected peer count connected")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = a3.Connect(ln.Addr().String())
	require.NoError(t, err)

	wg.Wait()
	_, ok := passive.Get(3)
	require.True(t, ok)
}

func waitDone(wg *sync.WaitGroup) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}
