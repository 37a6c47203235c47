package testutil

import (
	"sync"
	"time"
)

// Clock is a fake time source. Each Now call returns the current reading
// and then moves it forward by the step, so successive timestamps taken by
// code under test are distinct and ordered.
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	reads int
}

// NewClock returns a Clock starting at 2026-01-01 00:00:00 UTC that
// advances by step on every read. A zero step freezes it.
func NewClock(step time.Duration) *Clock {
	return &Clock{
		now:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		step: step,
	}
}

// Now returns the current reading and advances the clock by the step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	c.reads++
	return t
}

// Advance moves the clock forward by d without counting a read.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reads returns how many times Now has been called.
func (c *Clock) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
