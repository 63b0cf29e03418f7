// Package clock abstracts the time source used by protocol timers.
//
// Every retransmission, ping, idle-timeout and throttle decision in a
// Host is computed from a Clock. Production code injects Real(); tests
// inject Fake() and move time forward explicitly with Advance, which
// makes timeout bounds checkable without sleeping.
package clock

import "time"

// Clock is the subset of the time package a Host needs.
type Clock interface {
	// Now returns the current time. Real clocks carry a monotonic
	// reading, so differences between two Now values are immune to
	// wall-clock steps.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
