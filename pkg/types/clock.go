package types

import "time"

// Clock abstracts wall-clock time so the scheduler and controller can be
// driven with simulated time in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
