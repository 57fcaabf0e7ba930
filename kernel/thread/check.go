package thread

import (
	"fmt"

	"github.com/joshuapare/oskit/kernel/kerr"
)

// Report is the result of a Check.
type Report struct {
	Threads  int // live slots, adopted goroutines included
	Blocked  int
	Queues   int // distinct wait queues walked
	Problems []string
}

// OK reports whether the check found nothing wrong.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) addf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check walks every wait queue a thread is blocked on, plus any queues
// passed in, and verifies the linkage: head and tail agree with the links,
// each link points back at its predecessor, the count matches, every member
// names the queue it is on, priority queues are in wake order, and a thread
// is Blocked exactly when it is on a queue.
//
// Problems are returned as a *kerr.CorruptionError, after the Halt hook has
// run. The hook runs without the manager lock held.
func (m *Manager) Check(queues ...*WaitQueue) (*Report, error) {
	m.mu.Lock()
	r := m.checkLocked(queues)
	m.mu.Unlock()

	if r.OK() {
		return r, nil
	}
	err := &kerr.CorruptionError{
		Component: "thread",
		Detail:    r.Problems[0],
		Context:   map[string]any{"problems": len(r.Problems)},
	}
	m.log.Error("wait queue corruption", err.Attrs()...)
	m.opts.Halt(err)
	return r, err
}

func (m *Manager) checkLocked(extra []*WaitQueue) *Report {
	r := &Report{}

	var queues []*WaitQueue
	walked := make(map[*WaitQueue]bool)
	add := func(q *WaitQueue) {
		if q != nil && !walked[q] {
			walked[q] = true
			queues = append(queues, q)
		}
	}
	for _, t := range m.slots {
		if t == nil {
			continue
		}
		r.Threads++
		if t.state == Blocked {
			r.Blocked++
		}
		add(t.queue)
	}
	for _, q := range extra {
		add(q)
	}
	r.Queues = len(queues)

	on := make(map[int32]*WaitQueue) // slot index -> queue it was found on
	for _, q := range queues {
		m.walkLocked(q, on, r)
	}

	for _, t := range m.slots {
		if t == nil {
			continue
		}
		h := t.handle()
		if t.queue != nil && on[t.idx] != t.queue {
			r.addf("thread %v names a queue it is not linked into", h)
		}
		if (t.state == Blocked) != (t.queue != nil) {
			r.addf("thread %v is %v with queue set %t", h, t.state, t.queue != nil)
		}
	}
	return r
}

func (m *Manager) walkLocked(q *WaitQueue, on map[int32]*WaitQueue, r *Report) {
	var prev int32
	n := 0
	for cur := q.head; cur != 0; {
		if cur < 0 || int(cur) > len(m.slots) || m.slots[cur-1] == nil {
			r.addf("queue %p links to empty slot %d", q, cur)
			return
		}
		t := m.slots[cur-1]
		if seen, dup := on[t.idx]; dup {
			if seen == q {
				r.addf("queue %p has a cycle at thread %v", q, t.handle())
			} else {
				r.addf("thread %v is linked into two queues", t.handle())
			}
			return
		}
		on[t.idx] = q

		if t.queue != q {
			r.addf("thread %v is linked into queue %p but names another", t.handle(), q)
		}
		if t.qprev != prev {
			r.addf("thread %v back link %d, want %d", t.handle(), t.qprev, prev)
		}
		if q.order == OrderPriority && prev != 0 && t.prio < m.slots[prev-1].prio {
			r.addf("queue %p out of priority order at thread %v", q, t.handle())
		}
		n++
		prev = cur
		cur = t.qnext
	}
	if q.tail != prev {
		r.addf("queue %p tail %d, want %d", q, q.tail, prev)
	}
	if q.n != n {
		r.addf("queue %p count %d, walked %d", q, q.n, n)
	}
}
