package ksync

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/oskit/kernel/thread"
)

const (
	waitFor = 2 * time.Second
	poll    = time.Millisecond
)

func newTestManager(t *testing.T) *thread.Manager {
	t.Helper()
	tm, err := thread.New(thread.Options{Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	return tm
}

// spawn creates and resumes a thread running fn.
func spawn(t *testing.T, tm *thread.Manager, fn func()) thread.Handle {
	t.Helper()
	h, err := tm.Create(func(any) any { fn(); return nil }, nil, make([]byte, 4096), thread.Default, 0)
	require.NoError(t, err)
	_, err = tm.Resume(h)
	require.NoError(t, err)
	return h
}

func joinAll(t *testing.T, tm *thread.Manager, hs ...thread.Handle) {
	t.Helper()
	for _, h := range hs {
		_, err := tm.Join(h)
		require.NoError(t, err)
	}
}

// recorder collects values appended from several threads.
type recorder struct {
	mu   sync.Mutex
	vals []int
}

func (r *recorder) add(v int) {
	r.mu.Lock()
	r.vals = append(r.vals, v)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vals)
}

func (r *recorder) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.vals...)
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, poll, msg)
}
