// Package clock abstracts wall time and timer scheduling so that simulated
// hardware and expiry logic can run against a manual clock in tests.
package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc mirrors time.AfterFunc while satisfying the Clock interface.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Ensure returns c when non-nil, otherwise the real clock.
func Ensure(c Clock) Clock {
	if c != nil {
		return c
	}
	return Real{}
}
