package schedule

import "time"

// Clock abstracts "now" so the scheduler and the delivery sweep can be
// driven by fixed instants in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always reports the same instant.
type FixedClock struct{ T time.Time }

// Now implements Clock.
func (f FixedClock) Now() time.Time { return f.T }
