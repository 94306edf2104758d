// Package socketview renders the guest socket and TLS context tables for
// operators, one row per id.
package socketview

import (
	"strconv"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/errstate"
)

// Source is the socket table being displayed.
type Source interface {
	core.SocketMapper
	MaxSockets() int
	MaxSSLContexts() int
	SSLHostHandle(id int) int
}

// Row describes one guest socket id. Every field but ID is empty when the id
// has no host handle.
type Row struct {
	ID       int    `json:"id"`
	Domain   string `json:"domain"`
	Type     string `json:"type"`
	State    string `json:"state"`
	Blocking string `json:"blocking"`
	Name     string `json:"name"`
}

// SSLRow describes one TLS context id.
type SSLRow struct {
	ID     int    `json:"id"`
	Domain string `json:"domain"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Name   string `json:"name"`
}

// Tables is the full display snapshot.
type Tables struct {
	Sockets     []Row    `json:"sockets"`
	SSLContexts []SSLRow `json:"ssl_contexts"`
}

// View builds display rows from a Source and a host introspector.
type View struct {
	src  Source
	in   core.SocketIntrospector
	errs core.ErrorIndicator
}

// New returns a View. Introspection through in is hidden from errs.
func New(src Source, in core.SocketIntrospector, errs core.ErrorIndicator) *View {
	return &View{src: src, in: in, errs: errs}
}

// Snapshot returns both tables.
func (v *View) Snapshot() Tables {
	return Tables{Sockets: v.Sockets(), SSLContexts: v.SSLContexts()}
}

// Sockets returns one row per guest socket id.
func (v *View) Sockets() []Row {
	defer errstate.Save(v.errs).Restore()

	rows := make([]Row, v.src.MaxSockets())
	for id := range rows {
		rows[id].ID = id
		handle := v.src.ResolveHostHandle(id)
		if handle < 0 {
			continue
		}
		a := v.in.ResolveAddressing(handle)
		rows[id].Domain = domainLabel(a.Family)
		rows[id].Type = kindLabel(v.in.GetSocketKind(handle))
		rows[id].State = v.in.GetConnectionState(handle).String()
		rows[id].Blocking = blockingLabel(v.src.IsBlocking(id))
		rows[id].Name = nameLabel(a)
	}
	return rows
}

// SSLContexts returns one row per TLS context id.
func (v *View) SSLContexts() []SSLRow {
	defer errstate.Save(v.errs).Restore()

	rows := make([]SSLRow, v.src.MaxSSLContexts())
	for id := range rows {
		rows[id].ID = id
		handle := v.src.SSLHostHandle(id)
		if handle < 0 {
			continue
		}
		a := v.in.ResolveAddressing(handle)
		rows[id].Domain = domainLabel(a.Family)
		rows[id].Type = kindLabel(v.in.GetSocketKind(handle))
		rows[id].State = v.in.GetConnectionState(handle).String()
		rows[id].Name = nameLabel(a)
	}
	return rows
}

func domainLabel(f core.Family) string {
	switch f {
	case core.FamilyUnknown:
		return "Unknown"
	case core.FamilyInet:
		return "AF_INET"
	case core.FamilyInet6:
		return "AF_INET6"
	default:
		return strconv.Itoa(int(f))
	}
}

func kindLabel(k core.SocketKind) string {
	switch k {
	case core.KindUnknown:
		return "Unknown"
	case core.KindStream:
		return "SOCK_STREAM"
	case core.KindDatagram:
		return "SOCK_DGRAM"
	default:
		return strconv.Itoa(int(k))
	}
}

func blockingLabel(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// nameLabel renders "local" or "local->peer".
func nameLabel(a core.Addressing) string {
	if a.Family == core.FamilyUnknown || !a.Local.IsValid() {
		return "Unknown"
	}
	name := a.Local.String()
	if a.Peer.IsValid() {
		name += "->" + a.Peer.String()
	}
	return name
}
