// Package clock provides time operations that can be replaced in tests:
// reading the current time and scheduling callbacks.
package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing.
	//
	// Returns:
	//   - true if the call stopped the timer, false if it had already fired or been stopped
	Stop() bool
}

// Clock provides the current time and delayed callbacks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine (or, for manual clocks, from the goroutine that advances time).
	//
	// Parameters:
	//   - d: Delay before f is called; values <= 0 fire as soon as possible
	//   - f: Callback to run
	//
	// Returns:
	//   - A Timer that can cancel the callback
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// New creates a RealClock.
func New() *RealClock {
	return &RealClock{}
}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f with time.AfterFunc.
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
