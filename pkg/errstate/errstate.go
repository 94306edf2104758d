// Package errstate keeps introspection performed for logging invisible to the
// guest's socket error checks.
//
// A Guard is taken around every introspection done on behalf of logging:
//
//	defer errstate.Save(ind).Restore()
//
// The Indicator is shared by every goroutine serving the guest, so a Guard
// never puts back a stale copy. Errors recorded through Introspection are
// side effects: each remembers the guest-visible state underneath it, and
// Restore swaps a side effect back to that state only if nothing newer was
// recorded since. Guest errors recorded concurrently are never overwritten.
package errstate

import (
	"errors"
	"sync/atomic"
	"syscall"

	"github.com/irctrakz/guestcap/pkg/core"
)

// state is one immutable indicator value.
type state struct {
	errno    int32
	platform int32

	// side marks errors left by introspection; base is the guest-visible
	// state they cover.
	side bool
	base *state
}

var zeroState = &state{}

// Indicator is a process-wide socket error indicator, the Go stand-in for
// errno (and the WSA error on Windows hosts). Host socket calls record their
// failures here; the guest socket layer reads it back as its last error.
type Indicator struct {
	cur atomic.Pointer[state]
}

var _ core.ErrorIndicator = (*Indicator)(nil)

func (i *Indicator) load() *state {
	if s := i.cur.Load(); s != nil {
		return s
	}
	return zeroState
}

// Snapshot returns the current indicator values.
func (i *Indicator) Snapshot() core.ErrorSnapshot {
	s := i.load()
	return core.ErrorSnapshot{Errno: s.errno, Platform: s.platform}
}

// Restore overwrites the indicator with s.
func (i *Indicator) Restore(s core.ErrorSnapshot) {
	i.cur.Store(&state{errno: s.Errno, platform: s.Platform})
}

// Errno returns the last recorded errno.
func (i *Indicator) Errno() syscall.Errno {
	return syscall.Errno(i.load().errno)
}

// Record stores the errno carried by err as a guest-visible error. Errors
// without an errno are recorded as EIO; nil clears nothing.
func (i *Indicator) Record(err error) {
	if err == nil {
		return
	}
	e := errnoOf(err)
	i.cur.Store(&state{errno: e, platform: e})
}

// Clear resets the indicator to no error.
func (i *Indicator) Clear() {
	i.Restore(core.ErrorSnapshot{})
}

// Introspection returns a recorder for errors left behind by introspection.
// They are visible until the enclosing Guard is released.
func (i *Indicator) Introspection() IntrospectionRecorder {
	return IntrospectionRecorder{ind: i}
}

func (i *Indicator) recordSide(err error) {
	if err == nil {
		return
	}
	e := errnoOf(err)
	for {
		cur := i.cur.Load()
		base := cur
		if cur != nil && cur.side {
			base = cur.base
		}
		if i.cur.CompareAndSwap(cur, &state{errno: e, platform: e, side: true, base: base}) {
			return
		}
	}
}

// settle drops side effects, returning to the newest guest-visible state.
func (i *Indicator) settle() {
	for {
		cur := i.cur.Load()
		if cur == nil || !cur.side {
			return
		}
		if i.cur.CompareAndSwap(cur, cur.base) {
			return
		}
	}
}

func errnoOf(err error) int32 {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		errno = syscall.EIO
	}
	return int32(errno)
}

// IntrospectionRecorder records the failures of introspection calls made on
// behalf of logging. See Indicator.Introspection.
type IntrospectionRecorder struct {
	ind *Indicator
}

// Record stores err as a side effect.
func (r IntrospectionRecorder) Record(err error) {
	if r.ind != nil {
		r.ind.recordSide(err)
	}
}

// Guard holds what Save needs to undo introspection side effects.
type Guard struct {
	ind   core.ErrorIndicator
	own   *Indicator
	saved core.ErrorSnapshot
}

// Save starts a guarded section on ind. A nil indicator yields a Guard whose
// Restore is a no-op. Indicators other than *Indicator are snapshotted and
// restored wholesale, which is only safe for single-goroutine use.
func Save(ind core.ErrorIndicator) Guard {
	switch ind := ind.(type) {
	case nil:
		return Guard{}
	case *Indicator:
		if ind == nil {
			return Guard{}
		}
		return Guard{own: ind}
	default:
		return Guard{ind: ind, saved: ind.Snapshot()}
	}
}

// Restore ends the guarded section.
func (g Guard) Restore() {
	switch {
	case g.own != nil:
		g.own.settle()
	case g.ind != nil:
		g.ind.Restore(g.saved)
	}
}
