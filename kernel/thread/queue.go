package thread

// Order selects how a WaitQueue orders its waiters.
type Order uint8

const (
	// FIFO wakes waiters in the order they blocked.
	FIFO Order = iota
	// OrderPriority wakes the most urgent waiter first, FIFO among equals.
	OrderPriority
)

// WaitQueue is an ordered set of blocked threads. The zero value is an empty
// FIFO queue.
//
// Membership is stored in the thread slots themselves as slot indices, so a
// WaitQueue holds no references to threads. It must only be touched through
// Manager methods, under the manager lock.
type WaitQueue struct {
	head, tail int32 // slot index + 1, 0 = none
	n          int
	order      Order
}

// NewWaitQueue returns an empty queue with the given order.
func NewWaitQueue(order Order) *WaitQueue {
	return &WaitQueue{order: order}
}

// Order returns the queue's wake order.
func (q *WaitQueue) Order() Order { return q.order }

// enqueue appends t, or for priority queues places it after every waiter of
// equal or higher urgency.
func (m *Manager) enqueue(q *WaitQueue, t *tcb) {
	t.queue = q
	t.qnext, t.qprev = 0, 0

	at := int32(0) // insert before this link, 0 = append
	if q.order == OrderPriority {
		for cur := q.head; cur != 0; cur = m.slots[cur-1].qnext {
			if m.slots[cur-1].prio > t.prio {
				at = cur
				break
			}
		}
	}

	self := t.idx + 1
	if at == 0 {
		t.qprev = q.tail
		if q.tail != 0 {
			m.slots[q.tail-1].qnext = self
		} else {
			q.head = self
		}
		q.tail = self
	} else {
		before := m.slots[at-1]
		t.qnext, t.qprev = at, before.qprev
		if before.qprev != 0 {
			m.slots[before.qprev-1].qnext = self
		} else {
			q.head = self
		}
		before.qprev = self
	}
	q.n++
}

// dequeue removes t from the queue it is on.
func (m *Manager) dequeue(t *tcb) {
	q := t.queue
	if q == nil {
		return
	}
	if t.qprev != 0 {
		m.slots[t.qprev-1].qnext = t.qnext
	} else {
		q.head = t.qnext
	}
	if t.qnext != 0 {
		m.slots[t.qnext-1].qprev = t.qprev
	} else {
		q.tail = t.qprev
	}
	q.n--
	t.queue = nil
	t.qnext, t.qprev = 0, 0
}

// requeue repositions t after a priority change.
func (m *Manager) requeue(t *tcb) {
	q := t.queue
	if q == nil || q.order != OrderPriority {
		return
	}
	m.dequeue(t)
	m.enqueue(q, t)
}

// Waiters returns the threads blocked on q in wake order.
func (m *Manager) Waiters(q *WaitQueue) []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WaitersLocked(q)
}

// WaitersLocked is Waiters for callers holding the manager lock.
func (m *Manager) WaitersLocked(q *WaitQueue) []Handle {
	out := make([]Handle, 0, q.n)
	for cur := q.head; cur != 0; cur = m.slots[cur-1].qnext {
		t := m.slots[cur-1]
		out = append(out, t.handle())
	}
	return out
}

// Len returns the number of threads blocked on q.
func (m *Manager) Len(q *WaitQueue) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return q.n
}
