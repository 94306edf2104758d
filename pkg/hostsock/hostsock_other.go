//go:build !unix

package hostsock

import "github.com/irctrakz/guestcap/pkg/core"

// ResolveAddressing is not supported on this platform.
func (in *Introspector) ResolveAddressing(handle int) core.Addressing {
	return core.Addressing{Family: core.FamilyUnknown}
}

// GetSocketKind is not supported on this platform.
func (in *Introspector) GetSocketKind(handle int) core.SocketKind {
	return core.KindUnknown
}

// GetConnectionState is not supported on this platform.
func (in *Introspector) GetConnectionState(handle int) core.ConnState {
	return core.StateUnknown
}
