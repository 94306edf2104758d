// Package sockman maps guest socket identifiers to host socket handles.
//
// The guest addresses its sockets by small integer ids in [0, MaxSockets) and
// its TLS contexts by ids in [0, MaxSSLContexts). A Manager owns both tables,
// the per-socket blocking flag, and the error indicator the guest reads back
// as its last socket error.
package sockman

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/errstate"
	"github.com/irctrakz/guestcap/pkg/hostsock"
)

const (
	// DefaultMaxSockets is the guest socket table size.
	DefaultMaxSockets = 64

	// MaxSSLContexts is the number of TLS contexts a guest may hold.
	MaxSSLContexts = 4
)

var (
	// ErrTableFull is returned when every guest id is in use.
	ErrTableFull = errors.New("socket table full")

	// ErrNoHandle is returned for ids that are out of range or unused.
	ErrNoHandle = errors.New("no host handle for id")
)

type entry struct {
	handle   int
	blocking bool
}

// Manager is the guest socket table. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	sockets []*entry
	ssl     []int

	errs errstate.Indicator
}

var _ core.SocketMapper = (*Manager)(nil)

// New returns a Manager with maxSockets guest ids. Values <= 0 select
// DefaultMaxSockets.
func New(maxSockets int) *Manager {
	if maxSockets <= 0 {
		maxSockets = DefaultMaxSockets
	}
	m := &Manager{
		sockets: make([]*entry, maxSockets),
		ssl:     make([]int, MaxSSLContexts),
	}
	for i := range m.ssl {
		m.ssl[i] = -1
	}
	return m
}

// Errors returns the guest-visible error indicator.
func (m *Manager) Errors() *errstate.Indicator { return &m.errs }

// MaxSockets returns the size of the guest socket table.
func (m *Manager) MaxSockets() int { return len(m.sockets) }

// MaxSSLContexts returns the size of the TLS context table.
func (m *Manager) MaxSSLContexts() int { return len(m.ssl) }

// Register assigns the lowest free guest id to the host handle.
func (m *Manager) Register(handle int, blocking bool) (int, error) {
	if handle < 0 {
		m.errs.Record(syscall.EBADF)
		return -1, fmt.Errorf("invalid host handle %d", handle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.sockets {
		if e == nil {
			m.sockets[id] = &entry{handle: handle, blocking: blocking}
			return id, nil
		}
	}
	m.errs.Record(syscall.EMFILE)
	return -1, ErrTableFull
}

// RegisterConn registers the host handle backing c. c must stay open until
// the id is unregistered.
func (m *Manager) RegisterConn(c syscall.Conn, blocking bool) (id, handle int, err error) {
	handle, err = hostsock.FD(c)
	if err != nil {
		m.errs.Record(err)
		return -1, -1, err
	}
	id, err = m.Register(handle, blocking)
	if err != nil {
		return -1, -1, err
	}
	return id, handle, nil
}

// Unregister frees id. The host handle is not closed.
func (m *Manager) Unregister(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validLocked(id) {
		return fmt.Errorf("unregister %d: %w", id, ErrNoHandle)
	}
	m.sockets[id] = nil
	return nil
}

// ResolveHostHandle returns the host handle for id, or -1.
func (m *Manager) ResolveHostHandle(id int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.validLocked(id) {
		return -1
	}
	return m.sockets[id].handle
}

// IsBlocking reports whether id is in blocking mode. Unused ids report false.
func (m *Manager) IsBlocking(id int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validLocked(id) && m.sockets[id].blocking
}

// SetBlocking changes the blocking mode of id.
func (m *Manager) SetBlocking(id int, blocking bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validLocked(id) {
		m.errs.Record(syscall.EBADF)
		return fmt.Errorf("set blocking %d: %w", id, ErrNoHandle)
	}
	m.sockets[id].blocking = blocking
	return nil
}

// IDs returns the guest ids in use, in ascending order.
func (m *Manager) IDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int, 0, len(m.sockets))
	for id, e := range m.sockets {
		if e != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) validLocked(id int) bool {
	return id >= 0 && id < len(m.sockets) && m.sockets[id] != nil
}

// RegisterSSL assigns the lowest free TLS context id to a session running
// over the host handle.
func (m *Manager) RegisterSSL(handle int) (int, error) {
	if handle < 0 {
		return -1, fmt.Errorf("invalid host handle %d", handle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.ssl {
		if h < 0 {
			m.ssl[id] = handle
			return id, nil
		}
	}
	return -1, ErrTableFull
}

// UnregisterSSL frees the TLS context id.
func (m *Manager) UnregisterSSL(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.ssl) || m.ssl[id] < 0 {
		return fmt.Errorf("unregister ssl %d: %w", id, ErrNoHandle)
	}
	m.ssl[id] = -1
	return nil
}

// SSLHostHandle returns the host handle under TLS context id, or -1.
func (m *Manager) SSLHostHandle(id int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 0 || id >= len(m.ssl) {
		return -1
	}
	return m.ssl[id]
}

// SSLIDs returns the TLS context ids in use, in ascending order.
func (m *Manager) SSLIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int
	for id, h := range m.ssl {
		if h >= 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
