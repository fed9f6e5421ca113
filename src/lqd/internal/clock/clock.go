// Package clock abstracts time for components that schedule work, so tests
// can drive timers deterministically.
package clock

import (
	"time"
)

// Clock is an interface that abstracts measuring and waiting on time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep pauses the current goroutine for at least the duration d.
	Sleep(d time.Duration)
	// After waits for the duration to elapse and then delivers the current time.
	After(d time.Duration) <-chan time.Time
}

type clock struct{}

// New creates a new instance of Clock backed by the system clock.
func New() Clock {
	return clock{}
}

func (clock) Now() time.Time { return time.Now() }

func (clock) Sleep(d time.Duration) { time.Sleep(d) }

func (clock) After(d time.Duration) <-chan time.Time { return time.After(d) }
