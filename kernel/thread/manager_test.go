package thread

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/oskit/kernel/kerr"
)

func TestCreate_Rejects(t *testing.T) {
	m := newTestManager(t, Options{})
	noop := func(any) any { return nil }

	tests := []struct {
		name  string
		entry Entry
		stack []byte
		prio  Priority
		err   error
	}{
		{"nil entry", nil, stack(), Default, ErrNilEntry},
		{"priority too low", noop, stack(), Lowest + 1, ErrBadPriority},
		{"negative priority", noop, stack(), -1, ErrBadPriority},
		{"nil stack", noop, nil, Default, ErrStackTooSmall},
		{"short stack", noop, make([]byte, DefaultMinStackSize-1), Default, ErrStackTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := m.Create(tt.entry, nil, tt.stack, tt.prio, 0)
			require.ErrorIs(t, err, tt.err)
			assert.ErrorIs(t, err, kerr.ErrContract)
			assert.Equal(t, None, h)
		})
	}
	assert.Empty(t, m.Threads(), "failed creates must not leave a thread behind")
}

func TestCreate_TooManyThreads(t *testing.T) {
	m := newTestManager(t, Options{MaxThreads: 2})
	noop := func(any) any { return nil }

	for range 2 {
		_, err := m.Create(noop, nil, stack(), Default, 0)
		require.NoError(t, err)
	}
	_, err := m.Create(noop, nil, stack(), Default, 0)
	require.ErrorIs(t, err, ErrTooManyThreads)
	assert.True(t, kerr.IsRecoverable(err))
}

func TestCreate_StartsSuspended(t *testing.T) {
	m := newTestManager(t, Options{})
	ran := make(chan any, 1)

	h, err := m.Create(func(arg any) any {
		ran <- arg
		return "done"
	}, 42, stack(), 10, 0)
	require.NoError(t, err)

	st, err := m.State(h)
	require.NoError(t, err)
	assert.Equal(t, Suspended, st)

	select {
	case <-ran:
		t.Fatal("thread ran before Resume")
	case <-time.After(20 * time.Millisecond):
	}

	prev, err := m.Resume(h)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)
	assert.Equal(t, 42, <-ran)

	v, err := m.Join(h)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	// the slot is gone after join
	_, err = m.State(h)
	require.ErrorIs(t, err, ErrNoThread)
}

func TestExit_SetsJoinValue(t *testing.T) {
	m := newTestManager(t, Options{})
	cleaned := false

	h := spawn(t, m, Default, func(any) any {
		defer func() { cleaned = true }()
		m.Exit("early")
		return "late"
	})
	v, err := m.Join(h)
	require.NoError(t, err)
	assert.Equal(t, "early", v)
	assert.True(t, cleaned)

	require.ErrorIs(t, m.Exit(nil), ErrNoThread, "adopted goroutines cannot Exit")
}

func TestJoin_Errors(t *testing.T) {
	m := newTestManager(t, Options{})

	t.Run("self", func(t *testing.T) {
		errc := make(chan error, 1)
		h := spawn(t, m, Default, func(any) any {
			_, err := m.Join(m.Current())
			errc <- err
			return nil
		})
		require.ErrorIs(t, <-errc, ErrJoinSelf)
		_, err := m.Join(h)
		require.NoError(t, err)
	})

	t.Run("detached", func(t *testing.T) {
		release := make(chan struct{})
		h, err := m.Create(func(any) any { <-release; return nil }, nil, stack(), Default, Detached)
		require.NoError(t, err)
		_, err = m.Resume(h)
		require.NoError(t, err)

		_, err = m.Join(h)
		require.ErrorIs(t, err, ErrDetached)

		close(release)
		require.Eventually(t, func() bool {
			_, err := m.Info(h)
			return errors.Is(err, ErrNoThread)
		}, waitFor, tick, "detached thread should free its slot on exit")
	})

	t.Run("already joined", func(t *testing.T) {
		release := make(chan struct{})
		h := spawn(t, m, Default, func(any) any { <-release; return nil })

		done := make(chan error, 1)
		go func() {
			_, err := m.Join(h)
			m.Release()
			done <- err
		}()
		require.Eventually(t, func() bool {
			for _, info := range m.Threads() {
				if info.Foreign && info.State == Blocked {
					return true
				}
			}
			return false
		}, waitFor, tick)

		_, err := m.Join(h)
		require.ErrorIs(t, err, ErrAlreadyJoined)

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("stale handle", func(t *testing.T) {
		_, err := m.Join(Handle(0xFFFF))
		require.ErrorIs(t, err, ErrNoThread)
	})
}

func TestCurrent(t *testing.T) {
	m := newTestManager(t, Options{})

	got := make(chan Handle, 1)
	h := spawn(t, m, Default, func(any) any {
		got <- m.Current()
		return nil
	})
	assert.Equal(t, h, <-got)
	_, err := m.Join(h)
	require.NoError(t, err)

	// the test goroutine is adopted on first use
	self := m.Current()
	require.NotEqual(t, None, self)
	assert.Equal(t, self, m.Current())
	info, err := m.Info(self)
	require.NoError(t, err)
	assert.True(t, info.Foreign)
	assert.Equal(t, Running, info.State)
	assert.Equal(t, Default, info.Priority)

	m.Release()
	_, err = m.Info(self)
	require.ErrorIs(t, err, ErrNoThread)
}

func TestTLS_PerThread(t *testing.T) {
	m := newTestManager(t, Options{})

	var wg sync.WaitGroup
	results := make([][2]any, 4)
	start := make(chan struct{})
	for i := range 4 {
		wg.Add(1)
		spawn(t, m, Default, func(any) any {
			defer wg.Done()
			<-start
			assert.NoError(t, m.SetTLS(0, i))
			assert.NoError(t, m.SetTLS(1, i*10))
			m.Yield()
			a, _ := m.GetTLS(0)
			b, _ := m.GetTLS(1)
			results[i] = [2]any{a, b}
			return nil
		})
	}
	close(start)
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, [2]any{i, i * 10}, r)
	}

	require.ErrorIs(t, m.SetTLS(2, nil), ErrBadSlot)
	_, err := m.GetTLS(-1)
	require.ErrorIs(t, err, ErrBadSlot)
}

func TestSuspendResume_Counts(t *testing.T) {
	m := newTestManager(t, Options{})
	q := NewWaitQueue(FIFO)

	h := spawn(t, m, Default, func(any) any {
		return m.BlockOn(q)
	})
	waitQueued(t, m, q, 1)

	// suspension of another thread lands at its next scheduling point
	prev, err := m.Suspend(h)
	require.NoError(t, err)
	assert.Equal(t, 0, prev)
	prev, err = m.Suspend(h)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)

	m.WakeOne(q)
	waitState(t, m, h, Suspended)

	prev, err = m.Resume(h)
	require.NoError(t, err)
	assert.Equal(t, 2, prev)
	st, _ := m.State(h)
	assert.Equal(t, Suspended, st, "still suspended with count 1")

	prev, err = m.Resume(h)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)

	v, err := m.Join(h)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSuspend_Self(t *testing.T) {
	m := newTestManager(t, Options{})
	after := make(chan struct{})

	h := spawn(t, m, Default, func(any) any {
		m.Suspend(m.Current())
		close(after)
		return nil
	})
	waitState(t, m, h, Suspended)

	select {
	case <-after:
		t.Fatal("self-suspended thread kept running")
	default:
	}

	_, err := m.Resume(h)
	require.NoError(t, err)
	<-after
	_, err = m.Join(h)
	require.NoError(t, err)
}

func TestSuspend_TerminatedIsNoop(t *testing.T) {
	m := newTestManager(t, Options{})

	h := spawn(t, m, Default, func(any) any { return nil })
	waitState(t, m, h, Terminated)

	prev, err := m.Suspend(h)
	require.NoError(t, err)
	assert.Equal(t, 0, prev)
	st, _ := m.State(h)
	assert.Equal(t, Terminated, st)

	_, err = m.Join(h)
	require.NoError(t, err)
}

func TestPriority(t *testing.T) {
	m := newTestManager(t, Options{})

	h, err := m.Create(func(any) any { return nil }, nil, stack(), 3, 0)
	require.NoError(t, err)

	prev, err := m.SetPriority(h, 30)
	require.NoError(t, err)
	assert.Equal(t, Priority(3), prev)

	p, err := m.Priority(h)
	require.NoError(t, err)
	assert.Equal(t, Priority(30), p)

	_, err = m.SetPriority(h, 32)
	require.ErrorIs(t, err, ErrBadPriority)

	info, err := m.Info(h)
	require.NoError(t, err)
	assert.Equal(t, DefaultHostMapping.Nice(30), info.Nice)
	assert.Equal(t, 4096, info.StackSize)
}

func TestApplyHostPriority_Runs(t *testing.T) {
	m := newTestManager(t, Options{ApplyHostPriority: true, Host: HostMapping{Min: 5, Max: 19}})

	h := spawn(t, m, Lowest, func(any) any { return "ok" })
	v, err := m.Join(h)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestNew_RejectsBadMapping(t *testing.T) {
	_, err := New(Options{Host: HostMapping{Min: 10, Max: 0}})
	require.Error(t, err)
	_, err = New(Options{Host: HostMapping{Min: -21, Max: 0}})
	require.Error(t, err)
}

func TestHostMapping_Monotone(t *testing.T) {
	mappings := []HostMapping{
		DefaultHostMapping,
		{Min: -20, Max: 19},
		{Min: 0, Max: 3},
		{Min: 7, Max: 7},
	}
	for _, hm := range mappings {
		require.NoError(t, hm.Validate())
		assert.Equal(t, hm.Min, hm.Nice(Highest))
		assert.Equal(t, hm.Max, hm.Nice(Lowest))
		for p := Highest; p < Lowest; p++ {
			assert.LessOrEqual(t, hm.Nice(p), hm.Nice(p+1), "mapping %+v inverts %d and %d", hm, p, p+1)
		}
	}
}
