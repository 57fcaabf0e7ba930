package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// onGoroutine runs fn on a plain goroutine and waits for it to return.
func onGoroutine(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

func TestAdoption_ExitedGoroutinesFreeSlots(t *testing.T) {
	m := newTestManager(t, Options{MaxThreads: 4})

	for i := range 12 {
		var h Handle
		onGoroutine(func() { h = m.Current() })
		require.NotEqual(t, None, h, "goroutine %d was not adopted", i)
	}
	assert.LessOrEqual(t, m.Live(), 4)
}

func TestCreate_ReclaimsExitedAdoptions(t *testing.T) {
	m := newTestManager(t, Options{MaxThreads: 2})
	onGoroutine(func() { m.Current() })
	onGoroutine(func() { m.Current() })

	var h Handle
	require.Eventually(t, func() bool {
		var err error
		h, err = m.Create(func(any) any { return "ran" }, nil, stack(), Default, 0)
		return err == nil
	}, waitFor, tick)

	_, err := m.Resume(h)
	require.NoError(t, err)
	v, err := m.Join(h)
	require.NoError(t, err)
	assert.Equal(t, "ran", v)
}

func TestReclaim_KeepsMutexOwners(t *testing.T) {
	m := newTestManager(t, Options{})

	var holder, idle Handle
	onGoroutine(func() {
		m.Lock()
		holder, _ = m.CurrentLocked()
		m.AddHoldLocked(holder, 1)
		m.Unlock()
	})
	onGoroutine(func() { idle = m.Current() })

	require.Eventually(t, func() bool {
		m.Reclaim()
		_, err := m.Info(idle)
		return err != nil
	}, waitFor, tick)

	info, err := m.Info(holder)
	require.NoError(t, err)
	assert.True(t, info.Foreign)
	assert.Equal(t, 1, info.Holds)
	assert.Zero(t, m.Reclaim())
	assert.Equal(t, 1, m.Live())
}

func TestRelease_KeepsMutexOwner(t *testing.T) {
	m := newTestManager(t, Options{})
	self := m.Current()

	m.Lock()
	m.AddHoldLocked(self, 1)
	m.Unlock()
	m.Release()
	_, err := m.Info(self)
	require.NoError(t, err, "an owner must stay adopted")

	m.Lock()
	m.AddHoldLocked(self, -1)
	m.Unlock()
	m.Release()
	_, err = m.Info(self)
	require.ErrorIs(t, err, ErrNoThread)
}

func TestQueries_DoNotAdopt(t *testing.T) {
	m := newTestManager(t, Options{})

	v, err := m.GetTLS(0)
	require.NoError(t, err)
	assert.Nil(t, v)

	m.Lock()
	h, ok := m.SelfLocked()
	m.Unlock()
	assert.False(t, ok)
	assert.Equal(t, None, h)
	assert.Zero(t, m.Live())

	require.NoError(t, m.SetTLS(0, "x"))
	v, err = m.GetTLS(0)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.Equal(t, 1, m.Live())
	m.Release()
}

func TestLiveGoroutines_IncludesCaller(t *testing.T) {
	ids := liveGoroutines()
	assert.True(t, ids[goroutineID()])

	var gone uint64
	onGoroutine(func() { gone = goroutineID() })
	require.Eventually(t, func() bool { return !liveGoroutines()[gone] }, waitFor, tick)
}
