// Package tick provides the monotonic hardware-style tick counter used for all
// deadline and duration arithmetic in the kernel.
//
// A Clock counts ticks at a fixed rate from the moment it was created. The
// host's monotonic clock backs the counter, so wall-clock adjustments never make
// it run backwards.
package tick

import (
	"math"
	"sync"
	"time"
)

// Tick is one unit of the console clock.
type Tick int64

// DefaultRate is the console timebase: bus clock / 4.
const DefaultRate = 40_500_000

// Clock is a monotonic tick counter.
type Clock struct {
	rate  int64
	start time.Time

	mu  sync.Mutex
	now func() time.Time
}

// New returns a clock counting rate ticks per second, starting at zero.
// A non-positive rate selects DefaultRate.
func New(rate int64) *Clock {
	if rate <= 0 {
		rate = DefaultRate
	}
	return &Clock{
		rate:  rate,
		start: time.Now(),
		now:   time.Now,
	}
}

// NewWithSource returns a clock driven by now instead of the host clock.
// Tests use it to step time deterministically.
func NewWithSource(rate int64, now func() time.Time) *Clock {
	c := New(rate)
	c.now = now
	c.start = now()
	return c
}

// Rate returns the number of ticks per second.
func (c *Clock) Rate() int64 { return c.rate }

// Now returns the number of ticks elapsed since the clock was created.
func (c *Clock) Now() Tick {
	c.mu.Lock()
	now := c.now
	c.mu.Unlock()
	return c.FromDuration(now().Sub(c.start))
}

// FromDuration converts a host duration to ticks, truncating.
func (c *Clock) FromDuration(d time.Duration) Tick {
	// split to keep d*rate from overflowing for long durations
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return Tick(sec*c.rate + rem*c.rate/int64(time.Second))
}

// Duration converts ticks to a host duration, rounding up so that a wait of
// Duration(t) never ends before t ticks have elapsed.
func (c *Clock) Duration(t Tick) time.Duration {
	if t <= 0 {
		return 0
	}
	sec := int64(t) / c.rate
	rem := int64(t) % c.rate
	if sec > math.MaxInt64/int64(time.Second)-1 {
		return time.Duration(math.MaxInt64)
	}
	ns := (rem*int64(time.Second) + c.rate - 1) / c.rate
	return time.Duration(sec)*time.Second + time.Duration(ns)
}

// Sec returns the number of ticks in n seconds.
func (c *Clock) Sec(n int64) Tick { return Tick(n * c.rate) }

// Ms returns the number of ticks in n milliseconds.
func (c *Clock) Ms(n int64) Tick { return Tick(n * c.rate / 1000) }

// Us returns the number of ticks in n microseconds.
func (c *Clock) Us(n int64) Tick { return Tick(n * c.rate / 1_000_000) }
