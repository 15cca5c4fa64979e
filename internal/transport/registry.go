package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/rs/xid"

	"github.com/occfabric/occtrans"
	"github.com/occfabric/occtrans/internal/logging"
)

// Descriptor is the one-shot out-of-band struct exchanged on connect,
// per spec.md §6: {peer_id, raddr, rkey}. SessionToken is this repo's
// supplemented field (SPEC_FULL.md, SUPPLEMENTED FEATURES §3): an
// xid-minted value that lets a survivor detect a peer_id being reused
// by a restarted process rather than a genuinely still-alive one.
type Descriptor struct {
	PeerID       uint64
	RAddr        uint64
	RKey         uint32
	SessionToken uint64
}

const descriptorWireSize = 8 + 8 + 4 + 8

func (d Descriptor) encode() []byte {
	buf := make([]byte, descriptorWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.PeerID)
	binary.LittleEndian.PutUint64(buf[8:16], d.RAddr)
	binary.LittleEndian.PutUint32(buf[16:20], d.RKey)
	binary.LittleEndian.PutUint64(buf[20:28], d.SessionToken)
	return buf
}

func decodeDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) < descriptorWireSize {
		return Descriptor{}, occtrans.NewError(occtrans.KindNegotiation, "decode_descriptor", "short descriptor", nil)
	}
	return Descriptor{
		PeerID:       binary.LittleEndian.Uint64(buf[0:8]),
		RAddr:        binary.LittleEndian.Uint64(buf[8:16]),
		RKey:         binary.LittleEndian.Uint32(buf[16:20]),
		SessionToken: binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}

// newSessionToken mints the session token for a descriptor exchange.
func newSessionToken() uint64 {
	id := xid.New()
	// xid is a 12-byte value; fold it into 8 bytes via its own byte
	// encoding rather than reaching for a second hash just to shrink it.
	b := id.Bytes()
	return binary.BigEndian.Uint64(b[:8]) ^ uint64(binary.BigEndian.Uint32(b[8:12]))
}

// Registry owns every established Conn, keyed by peer_id, plus the base
// allocator backing their request/reply/handshake buffers, per
// spec.md §4.B.
type Registry struct {
	selfID    uint64
	Allocator *BaseAllocator

	mu    sync.RWMutex
	conns map[uint64]*Conn
	// sessions tracks the last session token observed per peer_id, so a
	// reconnect under the same peer_id with a different token can be
	// logged as a restart rather than silently treated as continuity.
	sessions map[uint64]uint64

	logger *logging.Logger
}

// NewRegistry creates an empty registry for selfID.
func NewRegistry(selfID uint64) *Registry {
	return &Registry{
		selfID:    selfID,
		Allocator: NewBaseAllocator(),
		conns:     make(map[uint64]*Conn),
		sessions:  make(map[uint64]uint64),
		logger:    logging.Default().With("self_id", selfID),
	}
}

// Insert manually registers c under peerID, bypassing the descriptor
// handshake. Used by callers that already know a peer's identity out of
// band (tests, and a single process standing in for two logical peers).
func (r *Registry) Insert(peerID uint64, c *Conn) {
	r.insert(peerID, c, newSessionToken())
}

// Get returns the connection to peerID, if any.
func (r *Registry) Get(peerID uint64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[peerID]
	return c, ok
}

// All returns a snapshot of every registered connection, used by the
// scheduler's poll loop.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) insert(peerID uint64, c *Conn, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessions[peerID]; ok && prev != token {
		r.logger.Warnf("peer %d reconnected with a new session token; treating prior session as crashed", peerID)
	}
	r.sessions[peerID] = token
	r.conns[peerID] = c
}

func (r *Registry) localDescriptor() Descriptor {
	return Descriptor{
		PeerID:       r.selfID,
		RAddr:        uint64(0), // no region address is exchanged; always zero
		RKey:         0,
		SessionToken: newSessionToken(),
	}
}

// Connect performs the active side of the handshake: dial addr, send
// the local descriptor, read the passive side's descriptor in reply,
// and register the resulting Conn.
func (r *Registry) Connect(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, occtrans.NewError(occtrans.KindTransport, "connect", "dial", err)
	}

	local := r.localDescriptor()
	if _, err := nc.Write(local.encode()); err != nil {
		nc.Close()
		return nil, occtrans.NewError(occtrans.KindNegotiation, "connect", "send local descriptor", err)
	}

	remoteBuf := make([]byte, descriptorWireSize)
	if _, err := io.ReadFull(nc, remoteBuf); err != nil {
		nc.Close()
		return nil, occtrans.NewError(occtrans.KindNegotiation, "connect", "recv remote descriptor", err)
	}
	remote, err := decodeDescriptor(remoteBuf)
	if err != nil {
		nc.Close()
		return nil, err
	}

	c := NewConn(remote.PeerID, nc)
	r.insert(remote.PeerID, c, remote.SessionToken)
	return c, nil
}

// Listen runs the passive side: it accepts connections, completes the
// descriptor handshake on each (read the active side's descriptor,
// reply with the local one), and registers the resulting Conn. It loops
// until expectedPeers connections have been accepted, matching
// spec.md §4.B ("Passive side loops until an expected number of peers
// have connected.").
func (r *Registry) Listen(addr string, expectedPeers int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return occtrans.NewError(occtrans.KindTransport, "listen", "bind", err)
	}
	defer ln.Close()
	return r.listenOn(ln, expectedPeers)
}

// listenOn runs the accept loop against an already-bound listener. Split
// out from Listen so tests can bind first (to learn the ephemeral port)
// and start accepting in a separate goroutine.
func (r *Registry) listenOn(ln net.Listener, expectedPeers int) error {
	for accepted := 0; accepted < expectedPeers; {
		nc, err := ln.Accept()
		if err != nil {
			return occtrans.NewError(occtrans.KindTransport, "listen", "accept", err)
		}
		if err := r.acceptOne(nc); err != nil {
			r.logger.Warnf("handshake with %s failed: %v", nc.RemoteAddr(), err)
			nc.Close()
			continue
		}
		accepted++
	}
	return nil
}

func (r *Registry) acceptOne(nc net.Conn) error {
	remoteBuf := make([]byte, descriptorWireSize)
	if _, err := io.ReadFull(nc, remoteBuf); err != nil {
		return occtrans.NewError(occtrans.KindNegotiation, "accept", "recv remote descriptor", err)
	}
	remote, err := decodeDescriptor(remoteBuf)
	if err != nil {
		return err
	}

	local := r.localDescriptor()
	if _, err := nc.Write(local.encode()); err != nil {
		return occtrans.NewError(occtrans.KindNegotiation, "accept", "send local descriptor", err)
	}

	c := NewConn(remote.PeerID, nc)
	r.insert(remote.PeerID, c, remote.SessionToken)
	return nil
}
