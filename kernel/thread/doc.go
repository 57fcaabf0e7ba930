// Package thread maps console threads onto goroutines.
//
// # Overview
//
// Every thread lives in a slot of the Manager's control block arena and is
// named by a Handle that packs the slot index with a generation counter.
// Wait queues link threads by slot index, never by pointer, so a thread that
// terminates while a queue still refers to it cannot leave a dangling link.
//
// Console priorities run from Highest (0) to Lowest (31). Go has no goroutine
// priorities, so the priority only orders OrderPriority wait queues and, when
// Options.ApplyHostPriority is set, selects the OS nice value of the thread's
// locked OS thread through a monotone HostMapping. Exact console timing is
// not reproduced; relative ordering is.
//
// # Lifecycle
//
//	h, err := m.Create(worker, arg, stack, thread.Default, 0) // Suspended
//	m.Resume(h)                                                // runs
//	v, err := m.Join(h)                                        // exit value
//
// A goroutine that calls into the manager without having been created by it
// (a test, main) is adopted as a detached thread at Default priority so that
// it can own mutexes and block on queues. Release drops the adoption. When
// slots run out, adopted goroutines that have exited are reclaimed unless
// they still own a kernel mutex. Queries such as GetTLS and SelfLocked never
// adopt.
//
// # Blocking
//
// BlockOn, WakeOne and WakeAll are the only way a thread waits. Higher-level
// objects call the *Locked forms while holding the manager lock:
//
//	m.Lock()
//	for !ready {
//	    m.BlockLocked(&q, thread.Forever)
//	}
//	m.Unlock()
//
// # Integrity
//
// Check walks the wait queues and verifies their links. Damage is reported
// to Options.Halt as a *kerr.CorruptionError, after the manager lock has
// been released.
package thread
