package tick

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTime is a steppable time source.
type manualTime struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func TestClock_StartsAtZero(t *testing.T) {
	src := &manualTime{now: time.Unix(1000, 0)}
	c := NewWithSource(1000, src.Now)

	assert.Equal(t, Tick(0), c.Now())

	src.Advance(1500 * time.Millisecond)
	assert.Equal(t, Tick(1500), c.Now())
}

func TestClock_DefaultRate(t *testing.T) {
	c := New(0)
	assert.Equal(t, int64(DefaultRate), c.Rate())
}

func TestClock_Conversions(t *testing.T) {
	c := New(DefaultRate)

	tests := []struct {
		name string
		d    time.Duration
		want Tick
	}{
		{"zero", 0, 0},
		{"one second", time.Second, DefaultRate},
		{"one millisecond", time.Millisecond, DefaultRate / 1000},
		{"one hour", time.Hour, DefaultRate * 3600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.FromDuration(tt.d))
			assert.Equal(t, tt.d, c.Duration(tt.want))
		})
	}

	assert.Equal(t, c.Sec(2), c.FromDuration(2*time.Second))
	assert.Equal(t, c.Ms(5), c.FromDuration(5*time.Millisecond))
	assert.Equal(t, c.Us(40), c.FromDuration(40*time.Microsecond))
}

func TestClock_DurationRoundsUp(t *testing.T) {
	c := New(3)

	// one tick at 3Hz is 333.33...ms; waiting 333ms would fire early
	d := c.Duration(1)
	require.Equal(t, 333333334*time.Nanosecond, d)
	assert.GreaterOrEqual(t, c.FromDuration(d), Tick(1))
	assert.Equal(t, time.Duration(0), c.Duration(-5))
}

func TestClock_Monotonic(t *testing.T) {
	c := New(DefaultRate)
	prev := c.Now()
	for range 1000 {
		now := c.Now()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}
