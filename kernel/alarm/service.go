package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joshuapare/oskit/internal/logger"
	"github.com/joshuapare/oskit/internal/tick"
	"github.com/joshuapare/oskit/internal/tracing"
	"github.com/joshuapare/oskit/kernel/kerr"
	"github.com/joshuapare/oskit/kernel/ksync"
	"github.com/joshuapare/oskit/kernel/thread"
)

// DefaultStackSize is the service thread stack used when Options supplies none.
const DefaultStackSize = 16 * 1024

// Options configures a Service.
type Options struct {
	Priority  thread.Priority // Service thread priority. Default: thread.Highest
	Stack     []byte          // Service thread stack. Default: DefaultStackSize bytes
	StackSize int             // Used when Stack is nil
	Policy    Policy          // Missed-period policy. Default: SkipMissed
	Logger    *slog.Logger    // Default: logger.For("alarm")
	Tracer    trace.Tracer    // Default: tracing.Tracer()
}

// Service runs alarm handlers on a dedicated thread.
//
// Pending alarms are kept in one list sorted by deadline and guarded by a
// kernel mutex. The service thread sleeps on a condition variable until the
// earliest deadline, or indefinitely while the list is empty; registering
// or cancelling the earliest alarm signals it awake early.
type Service struct {
	tm    *thread.Manager
	clock *tick.Clock
	guard *ksync.Mutex
	cond  *ksync.Cond

	// guarded by guard
	pending  []*Alarm
	nextID   uint64
	nextSeq  uint64
	stopping bool

	npending atomic.Int64 // len(pending), for lock-free reads

	svc    thread.Handle
	stack  []byte
	policy Policy
	tracer trace.Tracer
	log    *slog.Logger
}

// New starts an alarm service on its own thread.
func New(tm *thread.Manager, clock *tick.Clock, opts Options) (*Service, error) {
	if opts.Stack == nil {
		if opts.StackSize == 0 {
			opts.StackSize = DefaultStackSize
		}
		opts.Stack = make([]byte, opts.StackSize)
	}
	if opts.Logger == nil {
		opts.Logger = logger.For("alarm")
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Tracer()
	}

	s := &Service{
		tm:     tm,
		clock:  clock,
		guard:  ksync.NewMutex(tm),
		cond:   ksync.NewCond(tm),
		stack:  opts.Stack,
		policy: opts.Policy,
		tracer: opts.Tracer,
		log:    opts.Logger,
	}

	h, err := tm.Create(s.run, nil, opts.Stack, opts.Priority, 0)
	if err != nil {
		return nil, fmt.Errorf("alarm: create service thread: %w", err)
	}
	s.svc = h
	if _, err := tm.Resume(h); err != nil {
		return nil, fmt.Errorf("alarm: start service thread: %w", err)
	}

	s.log.Info("alarm service started", "thread", h, "priority", opts.Priority, "policy", opts.Policy)
	return s, nil
}

// Clock returns the clock deadlines are measured against.
func (s *Service) Clock() *tick.Clock { return s.clock }

// Thread returns the service thread.
func (s *Service) Thread() thread.Handle { return s.svc }

func (s *Service) lock() error { return s.guard.Lock() }
func (s *Service) unlock() error { return s.guard.Unlock() }

// Set registers a one-shot alarm due delay ticks from now.
func (s *Service) Set(delay tick.Tick, h Handler) (*Alarm, error) {
	return s.add(s.clock.Now()+delay, 0, h)
}

// SetAt registers a one-shot alarm due at an absolute tick. A deadline in
// the past fires as soon as the service thread runs.
func (s *Service) SetAt(deadline tick.Tick, h Handler) (*Alarm, error) {
	return s.add(deadline, 0, h)
}

// SetPeriodic registers an alarm due every period ticks, first one period
// from now. Later deadlines are computed from the previous deadline, so a
// slow handler does not shift the schedule.
func (s *Service) SetPeriodic(period tick.Tick, h Handler) (*Alarm, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadPeriod, period)
	}
	return s.add(s.clock.Now()+period, period, h)
}

// SetPeriodicAt registers a periodic alarm first due at start.
func (s *Service) SetPeriodicAt(start, period tick.Tick, h Handler) (*Alarm, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadPeriod, period)
	}
	return s.add(start, period, h)
}

func (s *Service) add(deadline, period tick.Tick, h Handler) (*Alarm, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.unlock()

	if s.stopping {
		return nil, ErrStopped
	}
	s.nextID++
	a := &Alarm{
		id:       s.nextID,
		svc:      s,
		handler: h,
		period:  period,
	}
	a.setDeadline(deadline)
	s.insertLocked(a)
	s.log.Debug("alarm set", "alarm", a.id, "deadline", deadline, "period", period)
	return a, nil
}

// insertLocked places a in deadline order and wakes the service thread if
// a became the earliest alarm.
func (s *Service) insertLocked(a *Alarm) {
	s.nextSeq++
	a.seq = s.nextSeq
	a.setState(Pending)

	i, _ := slices.BinarySearchFunc(s.pending, a, func(x, y *Alarm) int {
		if x.before(y) {
			return -1
		}
		return 1
	})
	s.setPendingLocked(slices.Insert(s.pending, i, a))
	if i == 0 {
		s.cond.Signal()
	}
}

// Cancel stops a from firing again and reports whether it was still pending.
//
// A pending alarm is removed and its handler will never run. An alarm whose
// handler is running right now finishes that call; it is not fired again,
// and Cancel returns false. Cancelling a fired or cancelled alarm does nothing.
func (s *Service) Cancel(a *Alarm) bool {
	if a == nil || a.svc != s {
		return false
	}
	if err := s.lock(); err != nil {
		s.log.Warn("alarm cancel failed", "alarm", a.id, "error", err)
		return false
	}
	defer s.unlock()

	switch a.State() {
	case Pending:
		i := slices.Index(s.pending, a)
		s.setPendingLocked(slices.Delete(s.pending, i, i+1))
		a.setState(Cancelled)
		if i == 0 {
			s.cond.Signal()
		}
		s.log.Debug("alarm cancelled", "alarm", a.id)
		return true
	case Firing:
		a.setState(Cancelled)
		s.log.Debug("alarm cancelled while firing", "alarm", a.id)
	}
	return false
}

// Pending returns the number of alarms waiting to fire. It does not take
// the service lock.
func (s *Service) Pending() int { return int(s.npending.Load()) }

func (s *Service) setPendingLocked(p []*Alarm) {
	s.pending = p
	s.npending.Store(int64(len(p)))
}

// Sleep blocks the calling thread for ticks, using a one-shot alarm and a
// semaphore. Zero or negative ticks yield instead.
func (s *Service) Sleep(ticks tick.Tick) error {
	if ticks <= 0 {
		s.tm.Yield()
		return nil
	}
	sem, err := ksync.NewSemaphore(s.tm, 0, 0)
	if err != nil {
		return err
	}
	if _, err := s.Set(ticks, func(*Alarm, tick.Tick) { sem.Signal() }); err != nil {
		return err
	}
	return sem.Wait()
}

// Stop cancels every pending alarm, waits for a running handler to return,
// and joins the service thread. It must not be called from a handler.
func (s *Service) Stop() error {
	if err := s.lock(); err != nil {
		return err
	}
	if s.stopping {
		s.unlock()
		return nil
	}
	s.stopping = true
	for _, a := range s.pending {
		a.setState(Cancelled)
	}
	n := len(s.pending)
	s.setPendingLocked(nil)
	s.cond.Signal()
	s.unlock()

	if _, err := s.tm.Join(s.svc); err != nil {
		return fmt.Errorf("alarm: join service thread: %w", err)
	}
	s.log.Info("alarm service stopped", "cancelled", n)
	return nil
}

// run is the service thread.
func (s *Service) run(any) any {
	if err := s.lock(); err != nil {
		s.log.Error("alarm service cannot take its guard", "error", err)
		return err
	}
	defer s.unlock()

	for !s.stopping {
		if len(s.pending) == 0 {
			s.wait(thread.Forever)
			continue
		}

		head := s.pending[0]
		now := s.clock.Now()
		deadline := head.Deadline()
		if deadline > now {
			s.wait(s.clock.Duration(deadline - now))
			continue
		}

		s.setPendingLocked(slices.Delete(s.pending, 0, 1))
		head.setState(Firing)

		s.unlock()
		s.fire(head, deadline)
		s.lock()

		switch {
		case head.State() == Cancelled:
		case s.stopping:
			head.setState(Cancelled)
		case head.period > 0:
			head.setDeadline(s.nextDeadline(head, deadline))
			s.insertLocked(head)
		default:
			head.setState(Fired)
		}
	}
	return nil
}

// wait sleeps on the condition variable. Timeouts are the normal way the
// loop reaches a deadline.
func (s *Service) wait(d time.Duration) {
	if err := s.cond.WaitTimeout(s.guard, d); err != nil && !errors.Is(err, kerr.ErrTimeout) {
		s.log.Error("alarm service wait failed", "error", err)
	}
}

// nextDeadline returns the deadline after fired for a periodic alarm.
func (s *Service) nextDeadline(a *Alarm, fired tick.Tick) tick.Tick {
	next := fired + a.period
	if s.policy == CatchUp {
		return next
	}
	now := s.clock.Now()
	if next >= now {
		return next
	}
	missed := (now - next + a.period - 1) / a.period
	a.skipped.Add(uint64(missed))
	s.log.Debug("alarm skipped periods", "alarm", a.id, "missed", missed)
	return next + missed*a.period
}

// fire runs one handler call inside a span.
func (s *Service) fire(a *Alarm, deadline tick.Tick) {
	_, span := s.tracer.Start(context.Background(), "alarm.fire",
		trace.WithAttributes(
			attribute.Int64("alarm.id", int64(a.id)),
			attribute.Int64("alarm.deadline", int64(deadline)),
			attribute.Int64("alarm.period", int64(a.period)),
		))
	defer span.End()

	a.fires.Add(1)
	a.handler(a, deadline)
	span.SetAttributes(attribute.Int64("alarm.late_ticks", int64(s.clock.Now()-deadline)))
}
