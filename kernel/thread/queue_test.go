package thread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/oskit/kernel/kerr"
)

func TestWaitQueue_FIFO(t *testing.T) {
	m := newTestManager(t, Options{})
	q := NewWaitQueue(FIFO)

	var mu sync.Mutex
	var order []int
	handles := make([]Handle, 3)
	for i := range 3 {
		// priorities must not matter on a FIFO queue
		handles[i] = spawn(t, m, Priority(20-5*i), func(any) any {
			require.NoError(t, m.BlockOn(q))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		waitQueued(t, m, q, i+1)
	}
	assert.Equal(t, handles, m.Waiters(q))

	for i := range 3 {
		assert.Equal(t, handles[i], m.WakeOne(q))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == i+1
		}, waitFor, tick)
	}
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, None, m.WakeOne(q))

	for _, h := range handles {
		_, err := m.Join(h)
		require.NoError(t, err)
	}
}

func TestWaitQueue_PriorityOrder(t *testing.T) {
	m := newTestManager(t, Options{})
	q := NewWaitQueue(OrderPriority)

	prios := []Priority{20, 5, 10, 5}
	handles := make([]Handle, len(prios))
	for i, p := range prios {
		handles[i] = spawn(t, m, p, func(any) any { return m.BlockOn(q) })
		waitQueued(t, m, q, i+1)
	}

	// most urgent first, FIFO among the two at priority 5
	want := []Handle{handles[1], handles[3], handles[2], handles[0]}
	assert.Equal(t, want, m.Waiters(q))

	// raising a waiter's priority moves it to the front
	_, err := m.SetPriority(handles[0], 0)
	require.NoError(t, err)
	assert.Equal(t, handles[0], m.Waiters(q)[0])

	assert.Equal(t, 4, m.WakeAll(q))
	for _, h := range handles {
		_, err := m.Join(h)
		require.NoError(t, err)
	}
}

func TestBlockOnTimeout(t *testing.T) {
	m := newTestManager(t, Options{})
	q := NewWaitQueue(FIFO)

	start := time.Now()
	err := m.BlockOnTimeout(q, 20*time.Millisecond)
	require.ErrorIs(t, err, kerr.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, m.Len(q), "timed-out waiter must leave the queue")

	// woken before the deadline
	errc := make(chan error, 1)
	h := spawn(t, m, Default, func(any) any {
		errc <- m.BlockOnTimeout(q, time.Minute)
		return nil
	})
	waitQueued(t, m, q, 1)
	m.WakeOne(q)
	require.NoError(t, <-errc)
	_, err = m.Join(h)
	require.NoError(t, err)
}

func TestBlockOn_NilYields(t *testing.T) {
	m := newTestManager(t, Options{})
	require.NoError(t, m.BlockOn(nil))
}

func TestBlockedState(t *testing.T) {
	m := newTestManager(t, Options{})
	q := NewWaitQueue(FIFO)

	h := spawn(t, m, Default, func(any) any { return m.BlockOn(q) })
	waitState(t, m, h, Blocked)

	m.WakeAll(q)
	_, err := m.Join(h)
	require.NoError(t, err)
}
