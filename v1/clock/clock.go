// Package clock abstracts the time source used by the lock manager and the
// rate limiters so that deadlines and windows can be driven by tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock reports the current time and schedules deferred callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable callback returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// Now implements Clock.Now.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc implements Clock.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Manual is a Clock that only moves when Advance or Set is called. Due
// callbacks run synchronously from Advance, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c      *Manual
	at     time.Time
	f      func()
	active bool
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.Now.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implements Clock.AfterFunc.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{c: m, at: m.now.Add(d), f: f, active: true}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d and fires every timer that became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
	m.fire()
}

// Set moves the clock to t. Moving backwards is allowed and fires nothing.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
	m.fire()
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}
	return n
}

func (m *Manual) fire() {
	for {
		m.mu.Lock()
		var due []*manualTimer
		kept := m.timers[:0]
		for _, t := range m.timers {
			switch {
			case !t.active:
			case !m.now.Before(t.at):
				t.active = false
				due = append(due, t)
			default:
				kept = append(kept, t)
			}
		}
		for i := len(kept); i < len(m.timers); i++ {
			m.timers[i] = nil
		}
		m.timers = kept
		m.mu.Unlock()

		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		for _, t := range due {
			t.f()
		}
	}
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.active
	t.active = false
	return was
}
