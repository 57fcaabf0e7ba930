package ksync

import (
	"fmt"
	"time"

	"github.com/joshuapare/oskit/kernel/thread"
)

// Semaphore is a counting semaphore with FIFO handoff: a Signal with
// waiters present passes its unit straight to the first of them instead of
// raising the count.
type Semaphore struct {
	tm    *thread.Manager
	count int
	limit int // 0 = unbounded
	q     thread.WaitQueue
}

// NewSemaphore returns a semaphore holding initial units. A positive limit
// bounds the count; Signal past it fails with ErrOverflow.
func NewSemaphore(tm *thread.Manager, initial, limit int) (*Semaphore, error) {
	if initial < 0 || limit < 0 || (limit > 0 && initial > limit) {
		return nil, fmt.Errorf("%w: initial %d, limit %d", ErrBadCount, initial, limit)
	}
	return &Semaphore{tm: tm, count: initial, limit: limit}, nil
}

// Wait takes one unit, blocking while none is available.
func (s *Semaphore) Wait() error {
	return s.WaitTimeout(thread.Forever)
}

// WaitTimeout is Wait with a deadline. It returns kerr.ErrTimeout without
// taking a unit if none arrived within d.
func (s *Semaphore) WaitTimeout(d time.Duration) error {
	s.tm.Lock()
	defer s.tm.Unlock()

	if s.count > 0 {
		s.count--
		return nil
	}
	// a successful wake carries the unit with it
	return s.tm.BlockLocked(&s.q, d)
}

// TryWait takes one unit if available and reports whether it did.
func (s *Semaphore) TryWait() bool {
	s.tm.Lock()
	defer s.tm.Unlock()

	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Signal releases one unit: to the first waiter if there is one, otherwise
// to the count.
func (s *Semaphore) Signal() error {
	s.tm.Lock()
	defer s.tm.Unlock()

	if s.tm.WakeOneLocked(&s.q) != thread.None {
		return nil
	}
	if s.limit > 0 && s.count >= s.limit {
		return fmt.Errorf("%w: %d", ErrOverflow, s.limit)
	}
	s.count++
	return nil
}

// Count returns the number of available units.
func (s *Semaphore) Count() int {
	s.tm.Lock()
	defer s.tm.Unlock()
	return s.count
}

// Waiters returns the number of threads blocked in Wait.
func (s *Semaphore) Waiters() int {
	return s.tm.Len(&s.q)
}
