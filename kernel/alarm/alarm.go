package alarm

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/joshuapare/oskit/internal/tick"
	"github.com/joshuapare/oskit/kernel/kerr"
)

var (
	// ErrNilHandler indicates an alarm set without a handler.
	ErrNilHandler = kerr.New(kerr.ErrContract, "alarm: nil handler")

	// ErrBadPeriod indicates a periodic alarm with a period below one tick.
	ErrBadPeriod = kerr.New(kerr.ErrContract, "alarm: period must be positive")

	// ErrStopped indicates use of a stopped service.
	ErrStopped = kerr.New(kerr.ErrContract, "alarm: service stopped")
)

// Handler is called on the service thread when an alarm fires. deadline is
// the tick the alarm was due, not the tick it actually ran.
type Handler func(a *Alarm, deadline tick.Tick)

// Policy decides what a periodic alarm does about periods that elapsed
// while its handler was still running.
type Policy uint8

const (
	// SkipMissed drops elapsed periods and resumes on the original grid.
	SkipMissed Policy = iota
	// CatchUp fires once for every elapsed period, back to back.
	CatchUp
)

func (p Policy) String() string {
	if p == CatchUp {
		return "catchup"
	}
	return "skip"
}

// ParsePolicy parses "skip" or "catchup".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "skip":
		return SkipMissed, nil
	case "catchup", "catch-up":
		return CatchUp, nil
	}
	return SkipMissed, fmt.Errorf("alarm: unknown policy %q", s)
}

// State is an alarm's position in its lifecycle.
type State uint8

const (
	Pending State = iota
	Firing
	Fired
	Cancelled
)

var stateNames = [...]string{"pending", "firing", "fired", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// Alarm is one registered callback. The handle stays valid after the alarm
// has fired or been cancelled.
type Alarm struct {
	// Tag is free for the caller.
	Tag any

	id      uint64
	svc     *Service
	handler Handler
	period  tick.Tick

	// written under svc.guard, readable without it
	deadline atomic.Int64
	state    atomic.Uint32

	seq uint64 // guarded by svc.guard

	fires   atomic.Uint64
	skipped atomic.Uint64
}

// ID returns the alarm's service-unique id.
func (a *Alarm) ID() uint64 { return a.id }

// Period returns the repeat period, or zero for a one-shot alarm.
func (a *Alarm) Period() tick.Tick { return a.period }

// Fires returns how many times the handler has been called.
func (a *Alarm) Fires() uint64 { return a.fires.Load() }

// Skipped returns how many periods were dropped under SkipMissed.
func (a *Alarm) Skipped() uint64 { return a.skipped.Load() }

// Deadline returns the tick the alarm is next due. It does not take the
// service lock, so any goroutine may call it.
func (a *Alarm) Deadline() tick.Tick { return tick.Tick(a.deadline.Load()) }

// State returns the alarm's current state. Like Deadline it is lock-free.
func (a *Alarm) State() State { return State(a.state.Load()) }

func (a *Alarm) setDeadline(t tick.Tick) { a.deadline.Store(int64(t)) }
func (a *Alarm) setState(st State) { a.state.Store(uint32(st)) }

// before orders the deadline list: by deadline, then by registration.
func (a *Alarm) before(b *Alarm) bool {
	if da, db := a.Deadline(), b.Deadline(); da != db {
		return da < db
	}
	return a.seq < b.seq
}
