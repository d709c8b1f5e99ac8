// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package runq

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Handle is an OS-level socket descriptor. Accepted connections reach
// the server callback as a Handle, which [NewStreamWithHandle] adopts.
type Handle int

// invalidHandle is the value of a Handle that refers to no socket.
const invalidHandle Handle = -1

// closeHandle closes h unless it is invalid.
func closeHandle(h Handle) {
	if h != invalidHandle {
		unix.Close(int(h))
	}
}

// dupHandle duplicates h so that read-side and write-side readiness
// bookkeeping operate on distinct descriptors.
func dupHandle(h Handle) (Handle, error) {
	fd, err := unix.Dup(int(h))
	if err != nil {
		return invalidHandle, &SocketError{Op: "dup", Err: err}
	}
	unix.CloseOnExec(fd)
	return Handle(fd), nil
}

// isIPv4 reports whether addr should use an AF_INET socket.
func isIPv4(addr netip.Addr) bool {
	return addr.Is4() || addr.Is4In6()
}

// newStreamSocket creates a non-blocking stream socket of the family
// matching addr.
func newStreamSocket(addr netip.Addr) (Handle, error) {
	family := unix.AF_INET6
	if isIPv4(addr) {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return invalidHandle, &SocketError{Op: "socket", Err: err}
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return invalidHandle, &SocketError{Op: "setnonblock", Err: err}
	}
	return Handle(fd), nil
}

// sockaddrFor converts an address and port to the matching
// [unix.Sockaddr].
func sockaddrFor(ap netip.AddrPort) unix.Sockaddr {
	if isIPv4(ap.Addr()) {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

// addrPortFrom converts a [unix.Sockaddr], as returned by accept or
// getsockname, back into a [netip.AddrPort].
func addrPortFrom(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// connectOutcome discriminates success from failure once a
// non-blocking connect has signalled write readiness.
//
// The portable POSIX rule is to read SO_ERROR: zero means the
// three-way handshake completed, anything else is the errno that sank
// it. This is the compatibility shim standing in for readiness-count
// heuristics that vary across platforms and kernel versions.
func connectOutcome(h Handle) error {
	v, err := unix.GetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return &SocketError{Op: "getsockopt", Err: err}
	}
	if v != 0 {
		return fmt.Errorf("%w: %s", ErrConnectionFailure, unix.Errno(v).Error())
	}
	return nil
}

// readableCount returns the number of bytes buffered on h. A zero
// return after read readiness indicates peer disconnect.
func readableCount(h Handle) int {
	n, err := unix.IoctlGetInt(int(h), unix.SIOCINQ)
	if err != nil {
		return 0
	}
	return n
}
