package engine

import "time"

// Clock is the engine's source of time. Backoff delays, pause timeouts and
// drain deadlines are all armed through AfterFunc, so tests can substitute
// a manual clock and fire them on demand.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f on its own goroutine once d has elapsed. The
	// returned function cancels the call and reports whether it did so
	// before f started.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
