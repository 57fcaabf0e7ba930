package ksync

import (
	"time"

	"github.com/joshuapare/oskit/kernel/thread"
)

// Cond is a condition variable. It has no state beyond its wait queue and
// is always used with a Mutex the caller holds.
type Cond struct {
	tm *thread.Manager
	q  thread.WaitQueue
}

// NewCond returns a condition variable with no waiters.
func NewCond(tm *thread.Manager) *Cond {
	return &Cond{tm: tm}
}

// Wait releases mu, waits for Signal or Broadcast, and reacquires mu before
// returning. Releasing mu and joining the wait queue happen in one critical
// section, so a Signal issued by whoever takes mu next is never lost. A
// recursively held mu is fully released and its depth restored.
func (c *Cond) Wait(mu *Mutex) error {
	return c.WaitTimeout(mu, thread.Forever)
}

// WaitTimeout is Wait with a deadline. On timeout mu is still reacquired and
// kerr.ErrTimeout is returned.
func (c *Cond) WaitTimeout(mu *Mutex, d time.Duration) error {
	c.tm.Lock()
	defer c.tm.Unlock()

	cur, ok := c.tm.SelfLocked()
	if !ok || mu.owner != cur {
		return violation(ErrNotOwner, "thread", cur, "owner", mu.owner)
	}

	depth := mu.count
	mu.count = 0
	mu.handoffLocked()

	waitErr := c.tm.BlockLocked(&c.q, d)

	if err := mu.lockLocked(); err != nil {
		return err
	}
	mu.count = depth
	return waitErr
}

// Signal wakes the longest waiter, if any.
func (c *Cond) Signal() {
	c.tm.WakeOne(&c.q)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	c.tm.WakeAll(&c.q)
}

// Waiters returns the number of threads blocked in Wait.
func (c *Cond) Waiters() int {
	return c.tm.Len(&c.q)
}
