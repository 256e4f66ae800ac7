// Package testutil holds deterministic fixtures shared by package tests.
package testutil

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// ManualClock is a clock whose time only moves when Advance is called.
// Timers armed with AfterFunc fire during Advance, in deadline order.
//
// Thread-safety: all methods are safe for concurrent use. Timer callbacks
// run on the goroutine that calls Advance, outside the clock's lock.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	id  int
	at  time.Time
	f   func()
	off bool
}

// NewManualClock creates a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc arms f to run once the clock has advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) (stop func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{id: c.seq, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.off {
			return false
		}
		t.off = true
		c.timers = slices.DeleteFunc(c.timers, func(x *manualTimer) bool { return x == t })
		return true
	}
}

// Advance moves the clock forward by d and fires every timer that came
// due, earliest first.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	c.timers = slices.DeleteFunc(c.timers, func(t *manualTimer) bool {
		if t.at.After(c.now) {
			return false
		}
		t.off = true
		due = append(due, t)
		return true
	})
	c.mu.Unlock()

	slices.SortFunc(due, func(a, b *manualTimer) int {
		if n := a.at.Compare(b.at); n != 0 {
			return n
		}
		return a.id - b.id
	})
	for _, t := range due {
		t.f()
	}
}

// Pending reports how many timers are armed.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// SequentialIDs returns a generator of prefix-1, prefix-2, ... It is safe
// for concurrent use.
func SequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// FixedTime returns a function that always reports t.
func FixedTime(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
