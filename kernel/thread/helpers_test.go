package thread

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func stack() []byte { return make([]byte, 4096) }

// spawn creates and resumes a thread.
func spawn(t *testing.T, m *Manager, prio Priority, entry Entry) Handle {
	t.Helper()
	h, err := m.Create(entry, nil, stack(), prio, 0)
	require.NoError(t, err)
	prev, err := m.Resume(h)
	require.NoError(t, err)
	require.Equal(t, 1, prev)
	return h
}

// waitQueued waits until n threads are blocked on q.
func waitQueued(t *testing.T, m *Manager, q *WaitQueue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Len(q) == n }, waitFor, tick)
}

func waitState(t *testing.T, m *Manager, h Handle, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := m.State(h)
		return err == nil && s == want
	}, waitFor, tick)
}
