package ecu

import (
	"sync"
	"time"
)

// Clock abstracts wall time so session expiry is testable without
// sleeping. Production code uses SystemClock; tests use FakeClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a settable clock for tests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock pinned at the given instant.
func NewFakeClock(at time.Time) *FakeClock {
	return &FakeClock{now: at.UTC()}
}

// Now returns the pinned instant.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
