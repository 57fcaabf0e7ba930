package ksync

import (
	"github.com/joshuapare/oskit/internal/logger"
	"github.com/joshuapare/oskit/kernel/kerr"
)

var (
	// ErrNotOwner indicates an unlock, or a condition wait, by a thread that does not own the mutex.
	ErrNotOwner = kerr.New(kerr.ErrContract, "ksync: mutex not owned by caller")

	// ErrNotLocked indicates an unlock of a mutex nobody holds.
	ErrNotLocked = kerr.New(kerr.ErrContract, "ksync: mutex not locked")

	// ErrOverflow indicates a semaphore signal past its configured maximum.
	ErrOverflow = kerr.New(kerr.ErrExhausted, "ksync: semaphore count at maximum")

	// ErrBadCount indicates a negative initial count or a maximum below it.
	ErrBadCount = kerr.New(kerr.ErrContract, "ksync: bad semaphore count")

	// ErrFull indicates a non-blocking send to a full message queue.
	ErrFull = kerr.New(kerr.ErrExhausted, "ksync: message queue full")

	// ErrEmpty indicates a non-blocking receive from an empty message queue.
	ErrEmpty = kerr.New(kerr.ErrExhausted, "ksync: message queue empty")

	// ErrBadCapacity indicates a message queue capacity below one.
	ErrBadCapacity = kerr.New(kerr.ErrContract, "ksync: bad message queue capacity")
)

// violation logs a contract violation and returns err.
func violation(err error, args ...any) error {
	logger.For("ksync").Warn("contract violation", append([]any{"error", err}, args...)...)
	return err
}
