package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Timers only
// fire from Advance, in due order, on the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	owner   *Manual
	at      time.Time
	seq     uint64
	f       func()
	stopped bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves time forward by d, firing every due timer in order. The
// clock reads the timer's due time while its callback runs.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.popDueLocked(target)
		if next == nil {
			break
		}
		m.now = next.at
		m.mu.Unlock()
		next.f()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
	return target
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) popDueLocked(target time.Time) *manualTimer {
	idx := -1
	for i, t := range m.timers {
		if t.stopped || t.at.After(target) {
			continue
		}
		if idx < 0 || t.at.Before(m.timers[idx].at) || (t.at.Equal(m.timers[idx].at) && t.seq < m.timers[idx].seq) {
			idx = i
		}
	}
	if idx < 0 {
		m.compactLocked()
		return nil
	}
	t := m.timers[idx]
	m.timers = append(m.timers[:idx], m.timers[idx+1:]...)
	t.stopped = true
	return t
}

func (m *Manual) compactLocked() {
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
