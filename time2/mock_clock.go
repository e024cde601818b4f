package time2

import (
	"sync"
	"time"
)

// A fake clock useful for testing timing.  MockClock is safe for concurrent
// use.
type MockClock struct {
	mutex       sync.Mutex
	currentTime time.Time
}

// Resets the mock clock back to initial state.
func (c *MockClock) Reset() {
	c.Set(time.Time{})
}

// Set the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.currentTime = t
}

// Advances the mock clock by the specified duration.
func (c *MockClock) Advance(delta time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.currentTime = c.currentTime.Add(delta)
}

// Returns the fake current time.
func (c *MockClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.currentTime
}

// Returns the time elapsed since the fake current time.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
