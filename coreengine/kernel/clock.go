package kernel

import (
	"sync/atomic"
	"time"
)

// Clock supplies the monotonic tick counter consumed by the scheduler.
// The kernel never reads wall-clock time for accounting.
type Clock interface {
	Now() Tick
}

// ManualClock is a Clock advanced explicitly by its owner.
// Safe for concurrent use.
type ManualClock struct {
	ticks atomic.Uint64
}

// NewManualClock creates a manual clock starting at the given tick.
func NewManualClock(start Tick) *ManualClock {
	c := &ManualClock{}
	c.ticks.Store(uint64(start))
	return c
}

// Now returns the current tick.
func (c *ManualClock) Now() Tick {
	return Tick(c.ticks.Load())
}

// Advance moves the clock forward and returns the new tick.
func (c *ManualClock) Advance(n Ticks) Tick {
	return Tick(c.ticks.Add(uint64(n)))
}

// MonotonicClock derives ticks from the Go monotonic clock.
type MonotonicClock struct {
	origin     time.Time
	resolution time.Duration
}

// NewMonotonicClock creates a clock where one tick equals resolution.
// A non-positive resolution defaults to one millisecond.
func NewMonotonicClock(resolution time.Duration) *MonotonicClock {
	if resolution <= 0 {
		resolution = time.Millisecond
	}
	return &MonotonicClock{origin: time.Now(), resolution: resolution}
}

// Now returns the ticks elapsed since the clock was created.
func (c *MonotonicClock) Now() Tick {
	return Tick(time.Since(c.origin) / c.resolution)
}
