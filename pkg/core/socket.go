package core

import "net/netip"

// Family is a socket address family as reported by the host.
type Family int

const (
	FamilyUnknown Family = -1
	FamilyInet    Family = 2
	FamilyInet6   Family = 10
)

// SocketKind is the SO_TYPE of a host socket.
type SocketKind int

const (
	KindUnknown  SocketKind = -1
	KindStream   SocketKind = 1
	KindDatagram SocketKind = 2
)

// ConnState is the coarse connection state of a host socket.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnected
	StateListening
	StateUnbound
)

// String returns the label shown for the state.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateListening:
		return "Listening"
	case StateUnbound:
		return "Unbound"
	default:
		return "Unknown"
	}
}

// Addressing describes both ends of a host socket.
// Local and Peer are zero when they could not be resolved.
type Addressing struct {
	Family Family
	Local  netip.AddrPort
	Peer   netip.AddrPort
}

// SocketIntrospector reports host socket state. Failures are reported as
// explicit unknown values, never as errors.
type SocketIntrospector interface {
	// ResolveAddressing returns the family and both endpoints of handle.
	ResolveAddressing(handle int) Addressing

	// GetSocketKind returns the SO_TYPE of handle.
	GetSocketKind(handle int) SocketKind

	// GetConnectionState classifies handle as connected, listening or unbound.
	GetConnectionState(handle int) ConnState
}

// SocketMapper maps guest socket identifiers to host handles.
type SocketMapper interface {
	// ResolveHostHandle returns the host handle for id, or -1.
	ResolveHostHandle(id int) int

	// IsBlocking reports whether the guest socket is in blocking mode.
	IsBlocking(id int) bool
}

// ErrorSnapshot is a saved copy of the socket error indicators.
type ErrorSnapshot struct {
	// Errno is the POSIX-style last error.
	Errno int32

	// Platform is the platform-specific last error (WSA error on Windows hosts).
	Platform int32
}

// ErrorIndicator is the socket error state the guest observes.
type ErrorIndicator interface {
	Snapshot() ErrorSnapshot
	Restore(ErrorSnapshot)
}

// SocketMetrics contains metrics for the socket bridge.
type SocketMetrics struct {
	// ConnectionsCreated is the number of connections created.
	ConnectionsCreated uint64

	// ConnectionsClosed is the number of connections closed.
	ConnectionsClosed uint64

	// BytesSent is the number of bytes sent to upstream hosts.
	BytesSent uint64

	// BytesReceived is the number of bytes received from upstream hosts.
	BytesReceived uint64

	// Errors is the number of errors encountered.
	Errors uint64
}
