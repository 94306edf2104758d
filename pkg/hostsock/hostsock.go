// Package hostsock reports the state of host sockets: address family, socket
// kind, connection state and endpoints.
//
// Every query degrades to an explicit unknown value on failure. Failed host
// calls are recorded into the Recorder the Introspector was built with, the
// same way libc leaves errno behind. Callers that must hide that from the
// guest record through errstate.Indicator.Introspection and wrap their
// queries in an errstate guard.
package hostsock

import (
	"fmt"
	"syscall"

	"github.com/irctrakz/guestcap/pkg/core"
)

// Recorder receives the errors of failed host socket calls.
type Recorder interface {
	Record(err error)
}

// Introspector implements core.SocketIntrospector for host sockets.
type Introspector struct {
	rec Recorder
}

var _ core.SocketIntrospector = (*Introspector)(nil)

// New returns an Introspector recording failures into rec. rec may be nil.
func New(rec Recorder) *Introspector {
	return &Introspector{rec: rec}
}

func (in *Introspector) record(err error) {
	if in.rec != nil {
		in.rec.Record(err)
	}
}

// FD returns the host handle backing c. The handle stays valid only while c
// is open.
func FD(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("failed to get raw conn: %w", err)
	}
	fd := -1
	if err := rc.Control(func(h uintptr) { fd = int(h) }); err != nil {
		return -1, fmt.Errorf("failed to read socket handle: %w", err)
	}
	return fd, nil
}
