package thread

import "github.com/joshuapare/oskit/kernel/kerr"

var (
	// ErrBadPriority indicates a priority outside Highest..Lowest.
	ErrBadPriority = kerr.New(kerr.ErrContract, "thread: invalid priority")

	// ErrNilEntry indicates Create was called without an entry point.
	ErrNilEntry = kerr.New(kerr.ErrContract, "thread: nil entry point")

	// ErrStackTooSmall indicates a stack shorter than Options.MinStackSize.
	ErrStackTooSmall = kerr.New(kerr.ErrContract, "thread: stack too small")

	// ErrTooManyThreads indicates every thread slot is in use.
	ErrTooManyThreads = kerr.New(kerr.ErrExhausted, "thread: too many threads")

	// ErrNoThread indicates a handle that does not name a live thread.
	ErrNoThread = kerr.New(kerr.ErrContract, "thread: no such thread")

	// ErrDetached indicates a join on a detached thread.
	ErrDetached = kerr.New(kerr.ErrContract, "thread: thread is detached")

	// ErrJoinSelf indicates a thread joining itself.
	ErrJoinSelf = kerr.New(kerr.ErrContract, "thread: join on self")

	// ErrAlreadyJoined indicates a second join on the same thread.
	ErrAlreadyJoined = kerr.New(kerr.ErrContract, "thread: already joined")

	// ErrBadSlot indicates a TLS slot index other than 0 or 1.
	ErrBadSlot = kerr.New(kerr.ErrContract, "thread: invalid TLS slot")

	// ErrQueued indicates a thread already waiting on another queue.
	ErrQueued = kerr.New(kerr.ErrContract, "thread: already on a wait queue")
)
