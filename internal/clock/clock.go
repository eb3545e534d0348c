// Package clock abstracts the time operations the sync layer depends on
// so that reconnect, polling and watchdog timers can be driven
// deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and move time forward
// with Advance, which fires due callbacks synchronously in deadline
// order.
package clock

import "time"

// Clock is the subset of the time package used by the sync layer.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f after d elapses. f runs on its own goroutine
	// for the real clock and synchronously inside Advance for the fake
	// one.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
