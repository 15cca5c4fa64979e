package occ

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/occfabric/occtrans/internal/commchan"
	"github.com/occfabric/occtrans/internal/dma"
	"github.com/occfabric/occtrans/internal/dpuproc"
	"github.com/occfabric/occtrans/internal/rpcproc"
	"github.com/occfabric/occtrans/internal/scheduler"
	"github.com/occfabric/occtrans/internal/store"
	"github.com/occfabric/occtrans/internal/transcache"
	"github.com/occfabric/occtrans/internal/transport"
	"github.com/occfabric/occtrans/internal/wire"
)

// hostHarness wires a Host driver's own partition to a dpuproc.Processor
// standing in for its DPU offload counterpart over a comm-channel
// net.Pipe, sharing one catalog per the single-process simulation
// documented on Host. Unlike remoteHarness's registry conn, the
// comm-channel conn is never inserted into a transport.Registry, so it
// needs its own PollRecvs/PollSend-driving goroutine.
type hostHarness struct {
	partID  uint64
	catalog *store.Catalog
	sched   *scheduler.Scheduler
	reg     *transport.Registry
	hostCh  *commchan.Channel
}

func pollCommLoop(ctx context.Context, conns ...*transport.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for _, c := range conns {
			c.PollRecvs()
			c.PollSend()
		}
		time.Sleep(time.Millisecond)
	}
}

func newHostHarness(t *testing.T) *hostHarness {
	t.Helper()
	const partID = 0

	a, b := net.Pipe()
	hostConn := transport.NewConn(1, a)
	dpuConn := transport.NewConn(1, b)

	reg := transport.NewRegistry(1)
	sched := scheduler.New("host-test", reg, nullHandlerOcc{})

	cat := newTestCatalog()

	hostCh := commchan.NewChannel(hostConn)
	registerHostCommReplies(hostCh, sched)

	dpuCh := commchan.NewChannel(dpuConn)
	cache := transcache.New(dma.NewRemoteAllocator())
	proc := dpuproc.New(cat, cache, 1, dpuCh)
	dpuCh.RegisterHandler(proc.HandleComm)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.MainRoutine(ctx)
	go pollCommLoop(ctx, hostConn, dpuConn)
	t.Cleanup(func() {
		cancel()
		hostConn.Close()
		dpuConn.Close()
	})

	return &hostHarness{partID: partID, catalog: cat, sched: sched, reg: reg, hostCh: hostCh}
}

// driver builds a Host bound to this harness's shared local partition,
// one per transaction the way remoteHarness.driver does.
func (h *hostHarness) driver(tid, cid uint32) *Host {
	hc := newHostComm(h.hostCh, h.sched, uint32(h.partID), cid)
	return NewHost(h.catalog, h.sched, hc, h.partID, tid, cid)
}

// wireRemote adds a remote partition reachable through this harness's
// own registry/scheduler, mirroring newRemoteHarness but hung off an
// existing Host scheduler instead of owning one.
func (h *hostHarness) wireRemote(t *testing.T, partID uint64) *store.Catalog {
	t.Helper()
	a, b := net.Pipe()
	clientConn := transport.NewConn(partID, a)
	remoteConn := transport.NewConn(partID, b)

	h.reg.Insert(partID, clientConn)

	regRemote := transport.NewRegistry(1)
	regRemote.Insert(partID, remoteConn)

	box := &handlerBox{}
	sRemote := scheduler.New("host-test-peer", regRemote, box)
	remoteCat := newTestCatalog()
	box.h = rpcproc.NewDirect(remoteCat, sRemote, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go sRemote.MainRoutine(ctx)
	t.Cleanup(func() {
		cancel()
		clientConn.Close()
		remoteConn.Close()
	})

	return remoteCat
}

func TestHostLocalReadOnlyCommit(t *testing.T) {
	h := newHostHarness(t)
	tbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = tbl.Insert(1, []byte("11111111"))
	require.NoError(t, err)

	d := h.driver(1, 1)
	d.Start()

	idx, err := d.Read(1, h.partID, 1)
	require.NoError(t, err)

	ctx, cancel := withTimeout(t)
	defer cancel()
	val, err := d.GetValue(ctx, false, idx)
	require.NoError(t, err)
	require.Equal(t, "11111111", string(val))

	require.NoError(t, d.Commit(ctx))
	require.True(t, d.IsCommitted())

	meta, err := tbl.GetMeta(1)
	require.NoError(t, err)
	require.True(t, meta.Unlocked())
}

func TestHostLocalWriteSetCommit(t *testing.T) {
	h := newHostHarness(t)
	tbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = tbl.Insert(2, []byte("11111111"))
	require.NoError(t, err)

	d := h.driver(1, 2)
	d.Start()

	idx := d.Write(1, h.partID, 2, wire.KindUpdate)
	d.SetValue(false, idx, []byte("22222222"))

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, d.Commit(ctx))
	require.True(t, d.IsCommitted())

	got := make([]byte, 8)
	meta, err := tbl.GetReadonly(2, got)
	require.NoError(t, err)
	require.Equal(t, "22222222", string(got))
	require.True(t, meta.Unlocked())
}

func TestHostLocalFetchWriteCommit(t *testing.T) {
	h := newHostHarness(t)
	tbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = tbl.Insert(3, []byte("11111111"))
	require.NoError(t, err)

	d := h.driver(1, 3)
	d.Start()

	idx, err := d.FetchWrite(1, h.partID, 3)
	require.NoError(t, err)

	ctx, cancel := withTimeout(t)
	defer cancel()
	_, err = d.GetValue(ctx, true, idx)
	require.NoError(t, err)
	require.NotEqual(t, StatusMustAbort, d.status)

	d.SetValue(true, idx, []byte("33333333"))

	require.NoError(t, d.Commit(ctx))
	require.True(t, d.IsCommitted())

	got := make([]byte, 8)
	meta, err := tbl.GetReadonly(3, got)
	require.NoError(t, err)
	require.Equal(t, "33333333", string(got))
	require.True(t, meta.Unlocked())
}

func TestHostWriteSetLockContentionAborts(t *testing.T) {
	h := newHostHarness(t)
	tbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = tbl.Insert(4, []byte("11111111"))
	require.NoError(t, err)
	_, ok, err := tbl.Lock(4, 0xdeadbeef)
	require.NoError(t, err)
	require.True(t, ok)

	d := h.driver(1, 4)
	d.Start()
	idx := d.Write(1, h.partID, 4, wire.KindUpdate)
	d.SetValue(false, idx, []byte("22222222"))

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, d.Commit(ctx))
	require.True(t, d.IsAborted())

	m, err := tbl.GetMeta(4)
	require.NoError(t, err)
	require.False(t, m.Unlocked()) // the contender never held the lock; original holder's lock stands
}

func TestHostLocalValidateDetectsStaleRead(t *testing.T) {
	h := newHostHarness(t)
	tbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = tbl.Insert(5, []byte("11111111"))
	require.NoError(t, err)

	d := h.driver(1, 5)
	d.Start()

	idx, err := d.Read(1, h.partID, 5)
	require.NoError(t, err)
	ctx, cancel := withTimeout(t)
	defer cancel()
	_, err = d.GetValue(ctx, false, idx)
	require.NoError(t, err)

	_, err = tbl.UpdValSeq(5, []byte("99999999"))
	require.NoError(t, err)

	require.NoError(t, d.Commit(ctx))
	require.True(t, d.IsAborted())
}

func TestHostFetchWriteContentionMarksAbort(t *testing.T) {
	h := newHostHarness(t)
	tbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = tbl.Insert(6, []byte("11111111"))
	require.NoError(t, err)
	_, ok, err := tbl.Lock(6, 0xdeadbeef)
	require.NoError(t, err)
	require.True(t, ok)

	d := h.driver(1, 6)
	d.Start()

	idx, err := d.FetchWrite(1, h.partID, 6)
	require.NoError(t, err)
	require.Equal(t, StatusMustAbort, d.status)

	ctx, cancel := withTimeout(t)
	defer cancel()
	_, err = d.GetValue(ctx, true, idx)
	require.NoError(t, err)

	require.NoError(t, d.Abort(ctx))
	require.True(t, d.IsAborted())

	m, err := tbl.GetMeta(6)
	require.NoError(t, err)
	require.False(t, m.Unlocked())
}

func TestHostInsertThenAbortErasesLocalKey(t *testing.T) {
	h := newHostHarness(t)

	d := h.driver(1, 7)
	d.Start()
	idx := d.Write(1, h.partID, 7, wire.KindInsert)
	d.SetValue(false, idx, []byte("aaaaaaaa"))

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, d.lockWrites(ctx))
	require.NotEqual(t, StatusMustAbort, d.status)

	tbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = tbl.GetMeta(7)
	require.NoError(t, err) // the fresh insert is visible, locked, mid-transaction

	require.NoError(t, d.Abort(ctx))
	require.True(t, d.IsAborted())

	_, err = tbl.GetMeta(7)
	require.Error(t, err) // erased by the DPU's write-set shadow replay
}

func TestHostMixedLocalAndRemoteCommit(t *testing.T) {
	h := newHostHarness(t)
	const remotePartID = 42
	remoteCat := h.wireRemote(t, remotePartID)

	localTbl, err := h.catalog.MemTable(1)
	require.NoError(t, err)
	_, err = localTbl.Insert(8, []byte("aaaaaaaa"))
	require.NoError(t, err)

	remoteTbl, err := remoteCat.MemTable(1)
	require.NoError(t, err)
	_, err = remoteTbl.Insert(800, []byte("11111111"))
	require.NoError(t, err)

	d := h.driver(1, 8)
	d.Start()

	localIdx := d.Write(1, h.partID, 8, wire.KindUpdate)
	d.SetValue(false, localIdx, []byte("bbbbbbbb"))
	remoteIdx := d.Write(1, remotePartID, 800, wire.KindUpdate)
	d.SetValue(false, remoteIdx, []byte("cccccccc"))

	ctx, cancel := withTimeout(t)
	defer cancel()
	require.NoError(t, d.Commit(ctx))
	require.True(t, d.IsCommitted())

	localGot := make([]byte, 8)
	_, err = localTbl.GetReadonly(8, localGot)
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbb", string(localGot))

	remoteGot := make([]byte, 8)
	_, err = remoteTbl.GetReadonly(800, remoteGot)
	require.NoError(t, err)
	require.Equal(t, "cccccccc", string(remoteGot))
}
