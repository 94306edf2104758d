//go:build unix

package hostsock

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/irctrakz/guestcap/pkg/core"
)

// ResolveAddressing returns the family and endpoints of handle. Peer is zero
// for sockets without a peer.
func (in *Introspector) ResolveAddressing(handle int) core.Addressing {
	a := core.Addressing{Family: core.FamilyUnknown}
	if handle < 0 {
		return a
	}

	local, err := unix.Getsockname(handle)
	if err != nil {
		in.record(err)
		return a
	}
	a.Family, a.Local = fromSockaddr(local)

	peer, err := unix.Getpeername(handle)
	if err != nil {
		in.record(err)
		return a
	}
	_, a.Peer = fromSockaddr(peer)
	return a
}

// GetSocketKind returns the SO_TYPE of handle.
func (in *Introspector) GetSocketKind(handle int) core.SocketKind {
	if handle < 0 {
		return core.KindUnknown
	}
	typ, err := unix.GetsockoptInt(handle, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		in.record(err)
		return core.KindUnknown
	}
	switch typ {
	case unix.SOCK_STREAM:
		return core.KindStream
	case unix.SOCK_DGRAM:
		return core.KindDatagram
	default:
		return core.SocketKind(typ)
	}
}

// GetConnectionState classifies handle.
func (in *Introspector) GetConnectionState(handle int) core.ConnState {
	if handle < 0 {
		return core.StateUnknown
	}
	_, err := unix.Getpeername(handle)
	if err == nil {
		return core.StateConnected
	}
	in.record(err)
	if err == unix.EBADF || err == unix.ENOTSOCK {
		return core.StateUnknown
	}

	accepting, err := unix.GetsockoptInt(handle, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		in.record(err)
		return core.StateUnbound
	}
	if accepting > 0 {
		return core.StateListening
	}
	return core.StateUnbound
}

func fromSockaddr(sa unix.Sockaddr) (core.Family, netip.AddrPort) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return core.FamilyInet, netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return core.FamilyInet6, netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrUnix:
		return core.Family(unix.AF_UNIX), netip.AddrPort{}
	default:
		return core.FamilyUnknown, netip.AddrPort{}
	}
}
