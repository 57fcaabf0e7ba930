package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/oskit/kernel/kerr"
)

// halts records every corruption passed to the Halt hook.
type halts struct{ errs []*kerr.CorruptionError }

func (h *halts) record(err *kerr.CorruptionError) { h.errs = append(h.errs, err) }

func TestCheck_HealthyQueues(t *testing.T) {
	m := newTestManager(t, Options{})
	prio := NewWaitQueue(OrderPriority)
	fifo := NewWaitQueue(FIFO)
	empty := NewWaitQueue(FIFO)

	var hs []Handle
	for i, p := range []Priority{20, 5, 10} {
		hs = append(hs, spawn(t, m, p, func(any) any { return m.BlockOn(prio) }))
		waitQueued(t, m, prio, i+1)
	}
	hs = append(hs, spawn(t, m, Default, func(any) any { return m.BlockOn(fifo) }))
	waitQueued(t, m, fifo, 1)

	r, err := m.Check(empty)
	require.NoError(t, err)
	assert.True(t, r.OK(), r.Problems)
	assert.Equal(t, 4, r.Threads)
	assert.Equal(t, 4, r.Blocked)
	assert.Equal(t, 3, r.Queues)

	m.WakeAll(prio)
	m.WakeAll(fifo)
	for _, h := range hs {
		_, err := m.Join(h)
		require.NoError(t, err)
	}

	r, err = m.Check(prio, fifo)
	require.NoError(t, err)
	assert.Zero(t, r.Blocked)
}

func TestCheck_DetectsDamage(t *testing.T) {
	tests := []struct {
		name   string
		damage func(m *Manager, q *WaitQueue) (undo func())
	}{
		{"count", func(m *Manager, q *WaitQueue) func() {
			q.n++
			return func() { q.n-- }
		}},
		{"tail", func(m *Manager, q *WaitQueue) func() {
			tail := q.tail
			q.tail = q.head
			return func() { q.tail = tail }
		}},
		{"back link", func(m *Manager, q *WaitQueue) func() {
			w := m.slots[q.tail-1]
			prev := w.qprev
			w.qprev = 0
			return func() { w.qprev = prev }
		}},
		{"member names another queue", func(m *Manager, q *WaitQueue) func() {
			w := m.slots[q.head-1]
			w.queue = NewWaitQueue(FIFO)
			return func() { w.queue = q }
		}},
		{"cycle", func(m *Manager, q *WaitQueue) func() {
			w := m.slots[q.tail-1]
			w.qnext = q.head
			return func() { w.qnext = 0 }
		}},
		{"blocked off queue", func(m *Manager, q *WaitQueue) func() {
			w := m.slots[q.tail-1]
			m.dequeue(w) // still Blocked
			return func() { m.enqueue(q, w) }
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got halts
			m := newTestManager(t, Options{Halt: got.record})
			q := NewWaitQueue(FIFO)

			var hs []Handle
			for i := range 3 {
				hs = append(hs, spawn(t, m, Default, func(any) any { return m.BlockOn(q) }))
				waitQueued(t, m, q, i+1)
			}

			m.Lock()
			undo := tt.damage(m, q)
			m.Unlock()

			r, err := m.Check(q)
			var ce *kerr.CorruptionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "thread", ce.Component)
			assert.False(t, r.OK())
			require.Len(t, got.errs, 1)
			assert.Same(t, ce, got.errs[0])

			m.Lock()
			undo()
			m.Unlock()
			_, err = m.Check(q)
			require.NoError(t, err)

			assert.Equal(t, 3, m.WakeAll(q))
			for _, h := range hs {
				_, err := m.Join(h)
				require.NoError(t, err)
			}
		})
	}
}

func TestCheck_DefaultHaltPanics(t *testing.T) {
	m := newTestManager(t, Options{})
	q := NewWaitQueue(FIFO)
	q.n = 1 // nobody is on it

	assert.Panics(t, func() { _, _ = m.Check(q) })
}

func TestCheck_HaltHookMayCallManager(t *testing.T) {
	var live int
	var m *Manager
	m = newTestManager(t, Options{Halt: func(*kerr.CorruptionError) { live = m.Live() }})
	q := NewWaitQueue(FIFO)
	q.head = 1

	_, err := m.Check(q)
	require.Error(t, err)
	assert.Zero(t, live)
}
