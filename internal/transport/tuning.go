package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/occfabric/occtrans/internal/constants"
	"github.com/occfabric/occtrans/internal/logging"
)

// tuneSocket applies the socket options a real deployment wants on the
// link standing in for an RDMA queue pair: disable Nagle (batching is
// done explicitly at the doorbell layer, not by the kernel) and size
// the kernel buffers to the receive ring's footprint. Grounded on the
// teacher's own golang.org/x/sys dependency, repurposed from driving
// io_uring/ublk ioctls to driving raw socket options.
func tuneSocket(nc net.Conn) {
	tcpConn, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		logging.Default().Debugf("tune_socket: set_no_delay failed: %v", err)
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		logging.Default().Debugf("tune_socket: syscall_conn failed: %v", err)
		return
	}

	bufSize := constants.MaxRecv * constants.MaxPacket
	ctrlErr := raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize)
	})
	if ctrlErr != nil {
		logging.Default().Debugf("tune_socket: control failed: %v", ctrlErr)
	}
}

// isConnReset reports whether err indicates the peer reset the
// connection (ECONNRESET or EPIPE). The registry's handshake does not
// call it and does not retry a failed handshake.
func isConnReset(err error) bool {
	return err != nil && (isErrno(err, unix.ECONNRESET) || isErrno(err, unix.EPIPE))
}

func isErrno(err error, errno syscall.Errno) bool {
	var se syscall.Errno
	for e := err; e != nil; {
		if x, ok := e.(syscall.Errno); ok {
			se = x
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return se == errno
}
