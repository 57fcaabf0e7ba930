package ksync

import (
	"github.com/joshuapare/oskit/kernel/thread"
)

// Mutex is a recursive mutex with FIFO handoff.
//
// Unlock passes ownership directly to the longest waiter, so a thread
// arriving after others have queued can never take the mutex ahead of them.
type Mutex struct {
	tm    *thread.Manager
	owner thread.Handle
	count int
	q     thread.WaitQueue
}

// NewMutex returns an unlocked mutex.
func NewMutex(tm *thread.Manager) *Mutex {
	return &Mutex{tm: tm}
}

// Lock acquires m, blocking while another thread owns it. The owner may
// lock again; each Lock needs a matching Unlock.
func (m *Mutex) Lock() error {
	m.tm.Lock()
	defer m.tm.Unlock()
	return m.lockLocked()
}

func (m *Mutex) lockLocked() error {
	cur, err := m.tm.CurrentLocked()
	if err != nil {
		return err
	}
	switch m.owner {
	case thread.None:
		m.acquireLocked(cur)
		return nil
	case cur:
		m.count++
		return nil
	}
	for m.owner != cur {
		if err := m.tm.BlockLocked(&m.q, thread.Forever); err != nil {
			return err
		}
	}
	return nil
}

// TryLock acquires m if it is free or already owned by the caller, and
// reports whether it did.
func (m *Mutex) TryLock() bool {
	m.tm.Lock()
	defer m.tm.Unlock()

	cur, err := m.tm.CurrentLocked()
	if err != nil {
		return false
	}
	switch m.owner {
	case thread.None:
		m.acquireLocked(cur)
	case cur:
		m.count++
	default:
		return false
	}
	return true
}

// Unlock releases one level of ownership. When the count reaches zero the
// first waiter becomes the owner. Only the owner may unlock; any other
// caller gets an error and the mutex is unchanged.
func (m *Mutex) Unlock() error {
	m.tm.Lock()
	defer m.tm.Unlock()

	cur, ok := m.tm.SelfLocked()
	if m.count == 0 {
		return violation(ErrNotLocked, "thread", cur)
	}
	if !ok || m.owner != cur {
		return violation(ErrNotOwner, "thread", cur, "owner", m.owner)
	}
	m.count--
	if m.count == 0 {
		m.handoffLocked()
	}
	return nil
}

func (m *Mutex) acquireLocked(h thread.Handle) {
	m.owner, m.count = h, 1
	m.tm.AddHoldLocked(h, 1)
}

// handoffLocked gives the free mutex to the first waiter, if any.
func (m *Mutex) handoffLocked() {
	m.tm.AddHoldLocked(m.owner, -1)
	m.owner = m.tm.WakeOneLocked(&m.q)
	if m.owner != thread.None {
		m.acquireLocked(m.owner)
	}
}

// Owner returns the owning thread, or thread.None.
func (m *Mutex) Owner() thread.Handle {
	m.tm.Lock()
	defer m.tm.Unlock()
	return m.owner
}

// Count returns the owner's recursion depth.
func (m *Mutex) Count() int {
	m.tm.Lock()
	defer m.tm.Unlock()
	return m.count
}

// Waiters returns the number of threads blocked in Lock.
func (m *Mutex) Waiters() int {
	return m.tm.Len(&m.q)
}

// Check verifies the linkage of m's wait queue. See thread.Manager.Check.
func (m *Mutex) Check() (*thread.Report, error) {
	return m.tm.Check(&m.q)
}
