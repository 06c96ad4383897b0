package resilience

import (
	"sync"
	"time"
)

// Clock abstracts time so breaker cooldowns and limiter windows can be driven by tests
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock delegates to the time package
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// ManualClock only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewManualClock creates a clock frozen at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *ManualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward. Panics on a negative duration.
func (c *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("resilience: cannot advance clock by negative duration")
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
