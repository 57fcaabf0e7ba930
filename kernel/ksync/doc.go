// Package ksync provides the kernel's synchronization objects: a recursive
// Mutex, a condition variable, a counting Semaphore and a bounded
// MessageQueue.
//
// None of them has a lock of its own. Each takes the thread manager lock,
// checks its state, and parks the caller with BlockLocked, so checking and
// sleeping are one atomic step. Waiters are woken in FIFO order, and Mutex
// and Semaphore hand the resource straight to the thread they wake.
//
// Any goroutine may use these objects; one that was not created by the
// thread manager is adopted on first use.
package ksync
