package time2

import (
	"time"
)

// These methods are all equivalent to those provided by the time package.
// Pools consult a Clock (rather than calling time.Now directly) so that idle
// expiry can be driven by a MockClock in tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realClock struct{}

func NewRealClock() Clock {
	return &realClock{}
}

func (c *realClock) Now() time.Time {
	return time.Now()
}

func (c *realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

var DefaultClock = NewRealClock()
