package ksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/oskit/kernel/kerr"
	"github.com/joshuapare/oskit/kernel/thread"
)

func TestSemaphore_SignalsReleaseWaitersInOrder(t *testing.T) {
	tm := newTestManager(t)
	sem, err := NewSemaphore(tm, 0, 0)
	require.NoError(t, err)
	var order recorder

	const n = 4
	handles := make([]thread.Handle, n)
	for i := range handles {
		handles[i] = spawn(t, tm, func() {
			assert.NoError(t, sem.Wait())
			order.add(i)
		})
		waitUntil(t, func() bool { return sem.Waiters() == i+1 }, "waiter did not block")
	}
	assert.Zero(t, order.len(), "no waiter may pass a zero semaphore")

	for i := range n {
		require.NoError(t, sem.Signal())
		waitUntil(t, func() bool { return order.len() == i+1 }, "signal released no waiter")
		assert.Equal(t, n-i-1, sem.Waiters(), "each signal releases exactly one waiter")
	}

	joinAll(t, tm, handles...)
	assert.Equal(t, []int{0, 1, 2, 3}, order.get())
	assert.Zero(t, sem.Count())
}

func TestSemaphore_Count(t *testing.T) {
	tm := newTestManager(t)
	sem, err := NewSemaphore(tm, 2, 3)
	require.NoError(t, err)

	assert.True(t, sem.TryWait())
	assert.True(t, sem.TryWait())
	assert.False(t, sem.TryWait())
	assert.Zero(t, sem.Count())

	for range 3 {
		require.NoError(t, sem.Signal())
	}
	err = sem.Signal()
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 3, sem.Count())

	require.NoError(t, sem.Wait())
	assert.Equal(t, 2, sem.Count())
}

func TestSemaphore_Unbounded(t *testing.T) {
	tm := newTestManager(t)
	sem, err := NewSemaphore(tm, 0, 0)
	require.NoError(t, err)

	for range 1000 {
		require.NoError(t, sem.Signal())
	}
	assert.Equal(t, 1000, sem.Count())
}

func TestSemaphore_WaitTimeout(t *testing.T) {
	tm := newTestManager(t)
	sem, err := NewSemaphore(tm, 0, 0)
	require.NoError(t, err)

	err = sem.WaitTimeout(10 * time.Millisecond)
	require.ErrorIs(t, err, kerr.ErrTimeout)
	assert.Zero(t, sem.Waiters())

	// a unit signalled after the timeout stays in the count
	require.NoError(t, sem.Signal())
	assert.Equal(t, 1, sem.Count())
	require.NoError(t, sem.WaitTimeout(time.Second))
}

func TestNewSemaphore_BadCounts(t *testing.T) {
	tm := newTestManager(t)

	for _, tc := range [][2]int{{-1, 0}, {0, -1}, {5, 4}} {
		_, err := NewSemaphore(tm, tc[0], tc[1])
		require.ErrorIs(t, err, ErrBadCount, "initial %d limit %d", tc[0], tc[1])
	}
}
