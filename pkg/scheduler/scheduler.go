// Package scheduler abstracts wall-clock time and one-shot timers so that
// retry scheduling can be driven deterministically in tests.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled one-shot callback that can be cancelled before it
// fires. Cancel reports whether the callback was prevented from running.
type Timer interface {
	Cancel() bool
}

// Clock provides the current time and one-shot scheduling.
type Clock interface {
	Now() time.Time
	ScheduleOnce(d time.Duration, fn func()) Timer
}

type realClock struct{}

// NewClock returns a Clock backed by the system clock and time.AfterFunc.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) ScheduleOnce(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (rt realTimer) Cancel() bool {
	return rt.t.Stop()
}

// FakeClock is a manually advanced Clock for tests. Scheduled callbacks run
// synchronously from Advance once their deadline is reached.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) ScheduleOnce(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every pending timer whose
// deadline has passed, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var pending []*fakeTimer
	for _, t := range c.timers {
		if !t.cancelled && !t.deadline.After(c.now) {
			due = append(due, t)
		} else if !t.cancelled {
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

// PendingTimers returns the number of timers not yet fired or cancelled.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock     *FakeClock
	deadline  time.Time
	fn        func()
	cancelled bool
}

func (t *fakeTimer) Cancel() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.cancelled {
		return false
	}
	for i, p := range t.clock.timers {
		if p == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			t.cancelled = true
			return true
		}
	}
	// Already fired.
	t.cancelled = true
	return false
}
