// Package window computes the monthly expense window.
package window

import (
	"fmt"
	"time"

	"github.com/quotagate/quotagate/internal/models"
)

// Manager computes calendar-month boundaries in a fixed reference timezone.
// It holds no counter state; the reset itself happens inside the store's
// atomic increment.
type Manager struct {
	loc   *time.Location
	clock func() time.Time
}

// NewManager creates a manager for the given location. A nil location means UTC.
func NewManager(loc *time.Location) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{loc: loc, clock: time.Now}
}

// LoadManager creates a manager from an IANA timezone name.
func LoadManager(timezone string) (*Manager, error) {
	if timezone == "" {
		return NewManager(time.UTC), nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return NewManager(loc), nil
}

// SetClock overrides the time source.
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

// Location returns the reference timezone.
func (m *Manager) Location() *time.Location {
	return m.loc
}

// Now returns the current time from the manager's clock.
func (m *Manager) Now() time.Time {
	return m.clock()
}

// NextReset returns the first instant of the calendar month following now.
func (m *Manager) NextReset(now time.Time) time.Time {
	y, mo, _ := now.In(m.loc).Date()
	return time.Date(y, mo+1, 1, 0, 0, 0, 0, m.loc)
}

// Start returns the first instant of the calendar month containing now.
func (m *Manager) Start(now time.Time) time.Time {
	y, mo, _ := now.In(m.loc).Date()
	return time.Date(y, mo, 1, 0, 0, 0, 0, m.loc)
}

// SameWindow reports whether t falls in the window containing now.
func (m *Manager) SameWindow(t, now time.Time) bool {
	return !t.Before(m.Start(now)) && t.Before(m.NextReset(now))
}

// Window returns the window evaluation for now.
func (m *Manager) Window(now time.Time) models.Window {
	return models.Window{Now: now, NextResetAt: m.NextReset(now)}
}

// Current returns the window evaluation for the manager's clock.
func (m *Manager) Current() models.Window {
	return m.Window(m.clock())
}
