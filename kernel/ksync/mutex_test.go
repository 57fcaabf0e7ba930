package ksync

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/oskit/kernel/kerr"
	"github.com/joshuapare/oskit/kernel/thread"
)

func TestMutex_RecursiveNeedsMatchingUnlocks(t *testing.T) {
	tm := newTestManager(t)
	mu := NewMutex(tm)
	const k = 3

	for range k {
		require.NoError(t, mu.Lock())
	}
	self := tm.Current()
	assert.Equal(t, self, mu.Owner())
	assert.Equal(t, k, mu.Count())

	acquired := make(chan struct{})
	h := spawn(t, tm, func() {
		assert.NoError(t, mu.Lock())
		close(acquired)
		assert.NoError(t, mu.Unlock())
	})
	waitUntil(t, func() bool { return mu.Waiters() == 1 }, "contender never blocked")

	for i := range k - 1 {
		require.NoError(t, mu.Unlock())
		assert.Equal(t, self, mu.Owner(), "released after %d of %d unlocks", i+1, k)
	}
	select {
	case <-acquired:
		t.Fatal("contender acquired before the last unlock")
	default:
	}

	require.NoError(t, mu.Unlock())
	<-acquired
	joinAll(t, tm, h)
	assert.Equal(t, thread.None, mu.Owner())
	assert.Zero(t, mu.Count())
}

func TestMutex_UnlockByNonOwner(t *testing.T) {
	tm := newTestManager(t)
	mu := NewMutex(tm)

	require.ErrorIs(t, mu.Unlock(), ErrNotLocked)

	locked := make(chan struct{})
	release := make(chan struct{})
	h := spawn(t, tm, func() {
		assert.NoError(t, mu.Lock())
		close(locked)
		<-release
		assert.NoError(t, mu.Unlock())
	})
	<-locked

	err := mu.Unlock()
	require.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, err, kerr.ErrContract)
	assert.Equal(t, h, mu.Owner(), "rejected unlock must not change the owner")
	assert.Equal(t, 1, mu.Count())
	assert.False(t, mu.TryLock())

	close(release)
	joinAll(t, tm, h)
	assert.True(t, mu.TryLock())
	assert.True(t, mu.TryLock(), "owner may relock")
	assert.Equal(t, 2, mu.Count())
}

func TestMutex_FIFOHandoff(t *testing.T) {
	tm := newTestManager(t)
	mu := NewMutex(tm)
	var order recorder

	require.NoError(t, mu.Lock())

	handles := make([]thread.Handle, 3)
	for i := range handles {
		handles[i] = spawn(t, tm, func() {
			assert.NoError(t, mu.Lock())
			order.add(i)
			assert.NoError(t, mu.Unlock())
		})
		waitUntil(t, func() bool { return mu.Waiters() == i+1 }, "waiter did not block")
	}

	require.NoError(t, mu.Unlock())
	// ownership passes before the waiter even runs, so nobody can cut in
	assert.NotEqual(t, tm.Current(), mu.Owner())
	assert.False(t, mu.TryLock())

	joinAll(t, tm, handles...)
	assert.Equal(t, []int{0, 1, 2}, order.get())
}

func TestMutex_WorkersCounter(t *testing.T) {
	tm := newTestManager(t)
	mu := NewMutex(tm)
	counter := 0

	const workers, iterations = 4, 1000
	handles := make([]thread.Handle, workers)
	for i := range handles {
		handles[i] = spawn(t, tm, func() {
			for range iterations {
				if err := mu.Lock(); err != nil {
					t.Error(err)
					return
				}
				counter++
				if err := mu.Unlock(); err != nil {
					t.Error(err)
					return
				}
			}
		})
	}
	joinAll(t, tm, handles...)
	assert.Equal(t, workers*iterations, counter)
}

// Plain goroutines that lock and unlock are adopted on the way in; once
// they exit their slots are reused, so more goroutines than slots can take
// turns on one mutex.
func TestMutex_PlainGoroutinesOutnumberSlots(t *testing.T) {
	tm, err := thread.New(thread.Options{MaxThreads: 8, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	mu := NewMutex(tm)
	counter := 0

	for i := range 12 {
		done := make(chan error, 1)
		go func() {
			if err := mu.Lock(); err != nil {
				done <- err
				return
			}
			counter++
			done <- mu.Unlock()
		}()
		require.NoError(t, <-done, "goroutine %d", i)
	}
	assert.Equal(t, 12, counter)
	assert.LessOrEqual(t, tm.Live(), 8)
}

func TestMutex_ExitedOwnerKeepsSlot(t *testing.T) {
	tm := newTestManager(t)
	mu := NewMutex(tm)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, mu.Lock())
	}()
	<-done

	owner := mu.Owner()
	require.NotEqual(t, thread.None, owner)
	tm.Reclaim()
	info, err := tm.Info(owner)
	require.NoError(t, err, "the owner's handle must stay valid")
	assert.Equal(t, 1, info.Holds)
	assert.Equal(t, owner, mu.Owner())

	require.ErrorIs(t, mu.Unlock(), ErrNotOwner)
	assert.Equal(t, 1, tm.Live(), "a rejected unlock adopts nobody")
}

func TestMutex_HoldsFollowOwnership(t *testing.T) {
	tm := newTestManager(t)
	mu := NewMutex(tm)

	require.NoError(t, mu.Lock())
	require.NoError(t, mu.Lock())
	self := tm.Current()
	holds := func(h thread.Handle) int {
		info, err := tm.Info(h)
		require.NoError(t, err)
		return info.Holds
	}
	assert.Equal(t, 1, holds(self), "recursion counts once")

	acquired := make(chan struct{})
	release := make(chan struct{})
	h := spawn(t, tm, func() {
		assert.NoError(t, mu.Lock())
		close(acquired)
		<-release
		assert.NoError(t, mu.Unlock())
	})
	waitUntil(t, func() bool { return mu.Waiters() == 1 }, "contender never blocked")

	require.NoError(t, mu.Unlock())
	require.NoError(t, mu.Unlock())
	<-acquired
	assert.Zero(t, holds(self))
	assert.Equal(t, 1, holds(h), "handoff moves the hold")

	r, err := mu.Check()
	require.NoError(t, err)
	assert.True(t, r.OK())

	close(release)
	joinAll(t, tm, h)
	tm.Release()
}
