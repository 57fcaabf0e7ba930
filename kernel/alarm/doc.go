// Package alarm fires one-shot and periodic callbacks at tick deadlines from
// a dedicated service thread.
//
// # Overview
//
// A Service keeps its pending alarms in a list sorted by deadline, guarded
// by a kernel Mutex. Its thread waits on a Cond until the earliest deadline
// passes, fires every alarm that is due, and goes back to sleep. Adding or
// cancelling the earliest alarm signals the thread so it re-reads the list.
//
// Handlers run synchronously on the service thread and must be short. Work
// that takes longer should be handed to another thread through a semaphore
// or message queue.
//
// # Periodic alarms
//
// A periodic alarm with period P registered at tick T is due at T+P, T+2P,
// T+3P and so on. Each next deadline is the previous deadline plus P, never
// the completion time plus P, so handler run time does not accumulate as
// drift. When a handler overruns whole periods, Policy decides: SkipMissed
// drops them and stays on the grid, CatchUp fires them back to back.
//
// # Cancellation
//
// Cancel on a pending alarm removes it before it can fire. Cancel while the
// handler is running lets that call finish and prevents any further one.
package alarm
