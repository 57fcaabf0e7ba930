package thread

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/joshuapare/oskit/internal/logger"
	"github.com/joshuapare/oskit/kernel/kerr"
)

// Forever is the timeout for a wait without a deadline.
const Forever time.Duration = -1

const (
	// DefaultMaxThreads is used when Options.MaxThreads is zero.
	DefaultMaxThreads = 256

	// DefaultMinStackSize is used when Options.MinStackSize is zero.
	DefaultMinStackSize = 1024
)

// Options configures a Manager.
type Options struct {
	MaxThreads   int // Thread slots, adopted goroutines included. Default: DefaultMaxThreads
	MinStackSize int // Smallest stack Create accepts. Default: DefaultMinStackSize

	// LockOSThread pins every created thread to its own OS thread.
	LockOSThread bool

	// ApplyHostPriority sets each created thread's OS nice value from its
	// priority through Host. Implies LockOSThread.
	ApplyHostPriority bool
	Host              HostMapping // Default: DefaultHostMapping

	Halt   kerr.HaltFunc // Called when Check finds corruption. Default: kerr.Panic
	Logger *slog.Logger  // Default: logger.For("thread")
}

// tcb is a thread control block.
type tcb struct {
	idx     int32
	gen     uint32
	state   State
	prio    Priority
	flags   Flags
	foreign bool
	started bool
	suspend int

	entry Entry
	arg   any
	stack []byte
	tls   [NumTLSSlots]any
	exit  any

	gid   uint64 // goroutine running the thread
	tid   int    // OS thread, when locked
	holds int    // kernel mutexes owned, see AddHoldLocked

	joined bool
	joinQ  WaitQueue

	queue        *WaitQueue
	qnext, qprev int32 // slot index + 1 within queue

	wake   chan struct{} // one token per wake from a queue
	resume chan struct{} // one token per resume while parked
}

func (t *tcb) handle() Handle { return makeHandle(t.idx, t.gen) }

// Manager owns every thread control block and wait queue linkage.
//
// One lock guards all thread state and every WaitQueue. Synchronization
// objects built on the manager take that lock through Lock/Unlock and use the
// *Locked methods, so checking a condition and blocking on a queue happen in
// one critical section.
type Manager struct {
	mu    sync.Mutex
	slots []*tcb
	gens  []uint32
	free  []int32
	byG   map[uint64]int32
	live  int

	opts Options
	log  *slog.Logger
}

// New returns a manager with no threads.
func New(opts Options) (*Manager, error) {
	if opts.MaxThreads == 0 {
		opts.MaxThreads = DefaultMaxThreads
	}
	if opts.MinStackSize == 0 {
		opts.MinStackSize = DefaultMinStackSize
	}
	if opts.Host == (HostMapping{}) {
		opts.Host = DefaultHostMapping
	}
	if opts.MaxThreads < 0 || opts.MinStackSize < 0 {
		return nil, fmt.Errorf("thread: invalid options: max threads %d, min stack %d", opts.MaxThreads, opts.MinStackSize)
	}
	if err := opts.Host.Validate(); err != nil {
		return nil, err
	}
	if opts.ApplyHostPriority {
		opts.LockOSThread = true
	}
	if opts.Halt == nil {
		opts.Halt = kerr.Panic
	}
	if opts.Logger == nil {
		opts.Logger = logger.For("thread")
	}

	m := &Manager{
		byG:  make(map[uint64]int32),
		opts: opts,
		log:  opts.Logger,
	}
	m.log.Info("thread manager initialized",
		"max_threads", opts.MaxThreads,
		"min_stack", opts.MinStackSize,
		"host_priority", opts.ApplyHostPriority)
	return m, nil
}

// Lock acquires the manager lock.
func (m *Manager) Lock() { m.mu.Lock() }

// Unlock releases the manager lock.
func (m *Manager) Unlock() { m.mu.Unlock() }

// Create makes a new thread that will run entry(arg). The thread starts
// Suspended with a suspend count of one; it runs after Resume.
//
// The stack is owned by the caller and must stay valid until the thread has
// been joined, or has exited if detached. Its length is the stack size.
func (m *Manager) Create(entry Entry, arg any, stack []byte, prio Priority, flags Flags) (Handle, error) {
	switch {
	case entry == nil:
		m.log.Warn("thread create rejected", "error", ErrNilEntry)
		return None, ErrNilEntry
	case !prio.Valid():
		m.log.Warn("thread create rejected", "priority", prio, "error", ErrBadPriority)
		return None, fmt.Errorf("%w: %d", ErrBadPriority, prio)
	case len(stack) < m.opts.MinStackSize:
		m.log.Warn("thread create rejected", "stack", len(stack), "error", ErrStackTooSmall)
		return None, fmt.Errorf("%w: %d < %d", ErrStackTooSmall, len(stack), m.opts.MinStackSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.allocLocked()
	if err != nil {
		m.log.Warn("thread create failed", "error", err)
		return None, err
	}
	t.entry, t.arg, t.stack = entry, arg, stack
	t.prio, t.flags = prio, flags
	t.state = Suspended
	t.suspend = 1

	m.log.Debug("thread created", "thread", t.handle(), "priority", prio, "stack", len(stack))
	return t.handle(), nil
}

// allocLocked takes a free slot and installs a fresh control block in it.
func (m *Manager) allocLocked() (*tcb, error) {
	var idx int32
	switch {
	case len(m.free) > 0:
		idx = m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
	case len(m.slots) < m.opts.MaxThreads:
		idx = int32(len(m.slots))
		m.slots = append(m.slots, nil)
		m.gens = append(m.gens, 1)
	case m.reclaimLocked() > 0:
		idx = m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
	default:
		return nil, ErrTooManyThreads
	}

	t := &tcb{
		idx:    idx,
		gen:    m.gens[idx],
		wake:   make(chan struct{}, 1),
		resume: make(chan struct{}, 1),
	}
	m.slots[idx] = t
	m.live++
	return t, nil
}

// releaseLocked returns t's slot. Handles to it become stale.
func (m *Manager) releaseLocked(t *tcb) {
	m.slots[t.idx] = nil
	m.gens[t.idx]++
	m.free = append(m.free, t.idx)
	if t.state != Terminated {
		m.live--
	}
}

func (m *Manager) lookupLocked(h Handle) (*tcb, error) {
	idx := h.index()
	if idx < 0 || int(idx) >= len(m.slots) || m.slots[idx] == nil || m.gens[idx] != h.gen() {
		return nil, fmt.Errorf("%w: %v", ErrNoThread, h)
	}
	return m.slots[idx], nil
}

// reclaimLocked releases the slots of adopted goroutines that have exited
// without dropping their adoption. Slots that still own a kernel mutex are
// kept so the owner handle stays meaningful.
func (m *Manager) reclaimLocked() int {
	live := liveGoroutines()
	n := 0
	for _, t := range m.slots {
		if t == nil || !t.foreign || t.holds > 0 || live[t.gid] {
			continue
		}
		delete(m.byG, t.gid)
		m.releaseLocked(t)
		n++
	}
	if n > 0 {
		m.log.Debug("reclaimed exited goroutines", "threads", n)
	}
	return n
}

// Reclaim releases the slots of adopted goroutines that have exited and
// returns how many were freed. Create and adoption do this on their own when
// slots run out.
func (m *Manager) Reclaim() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimLocked()
}

// selfLocked returns the caller's thread without adopting it.
func (m *Manager) selfLocked() *tcb {
	if idx, ok := m.byG[goroutineID()]; ok {
		return m.slots[idx]
	}
	return nil
}

// currentLocked returns the caller's thread, adopting the calling goroutine
// as a detached, Running thread at Default priority if it is not one yet.
func (m *Manager) currentLocked() (*tcb, error) {
	gid := goroutineID()
	if idx, ok := m.byG[gid]; ok {
		return m.slots[idx], nil
	}
	t, err := m.allocLocked()
	if err != nil {
		return nil, err
	}
	t.foreign, t.started = true, true
	t.flags = Detached
	t.prio = Default
	t.state = Running
	t.gid = gid
	m.byG[gid] = t.idx
	m.log.Debug("goroutine adopted", "thread", t.handle(), "goroutine", gid)
	return t, nil
}

// Current returns the calling thread. A goroutine that was not started by
// Create is adopted on first use. Current returns None only when no slot is
// left to adopt it.
func (m *Manager) Current() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, _ := m.CurrentLocked()
	return h
}

// SelfLocked returns the caller's thread if it already is one. Unlike
// CurrentLocked it never adopts, so queries by plain goroutines cost no slot.
func (m *Manager) SelfLocked() (Handle, bool) {
	if t := m.selfLocked(); t != nil {
		return t.handle(), true
	}
	return None, false
}

// AddHoldLocked adjusts the number of kernel mutexes h owns. An adopted
// goroutine that exits while owning one keeps its slot.
func (m *Manager) AddHoldLocked(h Handle, delta int) {
	if t, err := m.lookupLocked(h); err == nil {
		t.holds += delta
	}
}

// CurrentLocked is Current for callers holding the manager lock.
func (m *Manager) CurrentLocked() (Handle, error) {
	t, err := m.currentLocked()
	if err != nil {
		return None, err
	}
	return t.handle(), nil
}

// Release drops the adoption of the calling goroutine, freeing its slot. It
// is a no-op for threads made by Create and for a goroutine that still owns
// a kernel mutex.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	gid := goroutineID()
	idx, ok := m.byG[gid]
	if !ok || !m.slots[idx].foreign || m.slots[idx].holds > 0 {
		return
	}
	delete(m.byG, gid)
	m.releaseLocked(m.slots[idx])
}

// Resume decrements h's suspend count and returns the previous count. The
// thread becomes Ready when the count reaches zero; the first time that
// happens its entry point starts running. Resuming a thread that is not
// suspended, or has terminated, does nothing.
func (m *Manager) Resume(h Handle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(h)
	if err != nil {
		return 0, err
	}
	prev := t.suspend
	if t.state == Terminated || prev == 0 {
		return prev, nil
	}
	t.suspend--
	if t.suspend > 0 {
		return prev, nil
	}

	switch {
	case !t.started:
		t.started = true
		t.state = Ready
		go m.run(t)
	case t.state == Suspended:
		t.state = Ready
		t.resume <- struct{}{}
	}
	return prev, nil
}

// Suspend increments h's suspend count and returns the previous count. A
// thread suspending itself parks immediately; another thread parks at its
// next scheduling point (Yield or return from a wait). Suspending a
// terminated thread does nothing.
func (m *Manager) Suspend(h Handle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(h)
	if err != nil {
		return 0, err
	}
	if t.state == Terminated {
		return 0, nil
	}
	prev := t.suspend
	t.suspend++
	if t == m.selfLocked() {
		m.parkLocked(t)
	}
	return prev, nil
}

// parkLocked blocks t until its suspend count drops to zero.
func (m *Manager) parkLocked(t *tcb) {
	for t.suspend > 0 {
		t.state = Suspended
		m.mu.Unlock()
		<-t.resume
		m.mu.Lock()
	}
	t.state = Running
}

// run is the body of every created thread's goroutine.
func (m *Manager) run(t *tcb) {
	if m.opts.LockOSThread {
		// never unlocked: the OS thread exits with the goroutine
		runtime.LockOSThread()
	}
	gid := goroutineID()

	m.mu.Lock()
	t.gid = gid
	m.byG[gid] = t.idx
	if m.opts.LockOSThread {
		t.tid = hostTID()
	}
	nice := m.opts.Host.Nice(t.prio)
	m.parkLocked(t)
	m.mu.Unlock()

	if m.opts.ApplyHostPriority {
		m.applyNice(t.tid, nice)
	}

	defer m.finish(t)
	ret := t.entry(t.arg)

	m.mu.Lock()
	t.exit = ret
	m.mu.Unlock()
}

// finish marks t Terminated and wakes its joiner. Detached threads give
// their slot back here.
func (m *Manager) finish(t *tcb) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dequeue(t)
	t.state = Terminated
	m.live--
	delete(m.byG, t.gid)
	m.WakeAllLocked(&t.joinQ)
	if t.flags&Detached != 0 {
		m.releaseLocked(t)
	}
	m.log.Debug("thread exited", "thread", t.handle())
}

// Exit terminates the calling thread with exit value v. Deferred calls run
// first. Exit does not return when called from a thread made by Create; for
// any other caller it returns ErrNoThread.
func (m *Manager) Exit(v any) error {
	m.mu.Lock()
	t := m.selfLocked()
	if t == nil || t.foreign {
		m.mu.Unlock()
		return fmt.Errorf("%w: caller was not created by the thread manager", ErrNoThread)
	}
	t.exit = v
	m.mu.Unlock()

	runtime.Goexit()
	return nil
}

// Join blocks until h terminates, frees its slot, and returns its exit value.
func (m *Manager) Join(h Handle) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	self, err := m.currentLocked()
	if err != nil {
		return nil, err
	}
	switch {
	case t == self:
		return nil, ErrJoinSelf
	case t.flags&Detached != 0:
		return nil, ErrDetached
	case t.joined:
		return nil, ErrAlreadyJoined
	}

	t.joined = true
	for t.state != Terminated {
		if err := m.blockLocked(self, &t.joinQ, Forever); err != nil {
			t.joined = false
			return nil, err
		}
	}
	v := t.exit
	m.releaseLocked(t)
	return v, nil
}

// Yield gives up the processor. A pending suspension of the caller takes
// effect here.
func (m *Manager) Yield() {
	runtime.Gosched()

	m.mu.Lock()
	if t := m.selfLocked(); t != nil && t.suspend > 0 {
		m.parkLocked(t)
	}
	m.mu.Unlock()
}

// BlockOn parks the caller on q until WakeOne or WakeAll selects it. A nil
// queue makes BlockOn a plain Yield.
func (m *Manager) BlockOn(q *WaitQueue) error {
	if q == nil {
		m.Yield()
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BlockLocked(q, Forever)
}

// BlockOnTimeout is BlockOn with a deadline. It returns kerr.ErrTimeout if
// the caller was not woken within d.
func (m *Manager) BlockOnTimeout(q *WaitQueue, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BlockLocked(q, d)
}

// BlockLocked parks the caller on q. The manager lock is released while the
// caller sleeps and held again on return, so a waker that takes the lock
// after the caller checked its condition cannot miss it. A negative timeout
// waits forever.
func (m *Manager) BlockLocked(q *WaitQueue, timeout time.Duration) error {
	t, err := m.currentLocked()
	if err != nil {
		return err
	}
	return m.blockLocked(t, q, timeout)
}

func (m *Manager) blockLocked(t *tcb, q *WaitQueue, timeout time.Duration) error {
	if t.queue != nil {
		return ErrQueued
	}
	m.enqueue(q, t)
	t.state = Blocked
	m.mu.Unlock()

	timedOut := false
	if timeout < 0 {
		<-t.wake
	} else {
		timer := time.NewTimer(timeout)
		select {
		case <-t.wake:
		case <-timer.C:
			timedOut = true
		}
		timer.Stop()
	}

	m.mu.Lock()
	if timedOut {
		if t.queue == q {
			m.dequeue(t)
			t.state = Running
			m.parkLocked(t)
			return kerr.ErrTimeout
		}
		// woken after the timer fired; the token is already sent
		<-t.wake
	}
	t.state = Running
	m.parkLocked(t)
	return nil
}

// WakeOne readies the first waiter on q and returns it, or None.
func (m *Manager) WakeOne(q *WaitQueue) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WakeOneLocked(q)
}

// WakeOneLocked is WakeOne for callers holding the manager lock.
func (m *Manager) WakeOneLocked(q *WaitQueue) Handle {
	if q.head == 0 {
		return None
	}
	t := m.slots[q.head-1]
	m.dequeue(t)
	t.state = Ready
	t.wake <- struct{}{}
	return t.handle()
}

// WakeAll readies every waiter on q and returns how many there were.
func (m *Manager) WakeAll(q *WaitQueue) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WakeAllLocked(q)
}

// WakeAllLocked is WakeAll for callers holding the manager lock.
func (m *Manager) WakeAllLocked(q *WaitQueue) int {
	n := 0
	for m.WakeOneLocked(q) != None {
		n++
	}
	return n
}

// SetTLS stores v in one of the caller's thread-local slots.
func (m *Manager) SetTLS(slot int, v any) error {
	if slot < 0 || slot >= NumTLSSlots {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.currentLocked()
	if err != nil {
		return err
	}
	t.tls[slot] = v
	return nil
}

// GetTLS loads one of the caller's thread-local slots. A goroutine that is
// not a thread yet reads nil without being adopted.
func (m *Manager) GetTLS(slot int) (any, error) {
	if slot < 0 || slot >= NumTLSSlots {
		return nil, fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.selfLocked()
	if t == nil {
		return nil, nil
	}
	return t.tls[slot], nil
}

// SetPriority changes h's priority and returns the old one. A waiter on a
// priority-ordered queue moves to its new position.
func (m *Manager) SetPriority(h Handle, p Priority) (Priority, error) {
	if !p.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrBadPriority, p)
	}
	m.mu.Lock()
	t, err := m.lookupLocked(h)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	prev := t.prio
	t.prio = p
	m.requeue(t)
	tid := t.tid
	m.mu.Unlock()

	if m.opts.ApplyHostPriority && tid != 0 {
		m.applyNice(tid, m.opts.Host.Nice(p))
	}
	return prev, nil
}

func (m *Manager) applyNice(tid, nice int) {
	if err := setHostNice(tid, nice); err != nil {
		// raising priority needs privileges the process may not have
		m.log.Debug("host priority not applied", "tid", tid, "nice", nice, "error", err)
	}
}

// Priority returns h's priority.
func (m *Manager) Priority(h Handle) (Priority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(h)
	if err != nil {
		return 0, err
	}
	return t.prio, nil
}

// State returns h's scheduling state.
func (m *Manager) State(h Handle) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(h)
	if err != nil {
		return 0, err
	}
	return t.state, nil
}

// Info returns a snapshot of h.
func (m *Manager) Info(h Handle) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(h)
	if err != nil {
		return Info{}, err
	}
	return m.infoLocked(t), nil
}

// Threads returns a snapshot of every thread slot in use, in slot order.
func (m *Manager) Threads() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.slots))
	for _, t := range m.slots {
		if t != nil {
			out = append(out, m.infoLocked(t))
		}
	}
	return out
}

// Live returns the number of threads that have not terminated.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Manager) infoLocked(t *tcb) Info {
	return Info{
		Handle:    t.handle(),
		Priority:  t.prio,
		State:     t.state,
		Flags:     t.flags,
		Suspend:   t.suspend,
		Foreign:   t.foreign,
		StackSize: len(t.stack),
		HostTID:   t.tid,
		Holds:     t.holds,
		Nice:      m.opts.Host.Nice(t.prio),
	}
}
