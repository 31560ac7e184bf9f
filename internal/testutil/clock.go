package testutil

import (
	"sync"
	"time"
)

// Epoch is the wall time fixtures and scenarios are built around.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// FixedClock is a wall clock that only moves when told to.
//
// Unlike engine.SystemClock, FixedClock can be set and advanced, so expiry
// and rate-limit windows are reproducible and golden audit trails carry
// stable timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock reading t (in UTC).
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

// Now returns the current reading.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d and returns the new reading.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
