// Package clock provides the replaceable time source used by every scheduling decision.
package clock

import (
	"sync"
	"time"
)

// Clock is the only time contract the scheduler depends on.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock and reports it in Location (time.Local when nil).
type System struct {
	Location *time.Location
}

func (c System) Now() time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return time.Now().In(loc)
}

// Manual is a settable clock for tests and replays.
//
// The zero value reports the wall clock until Set is called; Reset returns to
// that behavior.
type Manual struct {
	mu  sync.Mutex
	now time.Time
	set bool
}

// NewManual returns a Manual clock fixed at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t, set: true}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return time.Now()
	}
	return m.now
}

// Set pins the clock at t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.set = true
	m.mu.Unlock()
}

// Advance moves a pinned clock forward by d (pins it at wall time first if unset).
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		m.now = time.Now()
		m.set = true
	}
	m.now = m.now.Add(d)
	return m.now
}

// Reset unpins the clock.
func (m *Manual) Reset() {
	m.mu.Lock()
	m.now = time.Time{}
	m.set = false
	m.mu.Unlock()
}

// LoadLocation resolves an IANA timezone name; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
