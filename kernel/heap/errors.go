package heap

import "github.com/joshuapare/oskit/kernel/kerr"

var (
	// ErrNoSpace indicates that no free block large enough was found.
	ErrNoSpace = kerr.New(kerr.ErrExhausted, "heap: no free block large enough")

	// ErrAddressUnavailable indicates that the range requested by AllocFixed is not free.
	ErrAddressUnavailable = kerr.New(kerr.ErrExhausted, "heap: fixed address unavailable")

	// ErrNoHeapSlot indicates that MaxHeaps heaps already exist.
	ErrNoHeapSlot = kerr.New(kerr.ErrExhausted, "heap: no free heap slot")

	// ErrBadHeap indicates an invalid or destroyed heap handle.
	ErrBadHeap = kerr.New(kerr.ErrContract, "heap: bad heap handle")

	// ErrNoCurrentHeap indicates a default allocation with no current heap selected.
	ErrNoCurrentHeap = kerr.New(kerr.ErrContract, "heap: no current heap")

	// ErrBadRange indicates a heap range outside the arena or smaller than one block.
	ErrBadRange = kerr.New(kerr.ErrContract, "heap: bad heap range")

	// ErrOverlap indicates a heap range overlapping an existing heap.
	ErrOverlap = kerr.New(kerr.ErrContract, "heap: range overlaps existing heap")

	// ErrBadSize indicates a zero-byte request.
	ErrBadSize = kerr.New(kerr.ErrContract, "heap: bad allocation size")

	// ErrMisaligned indicates a fixed address not aligned to Alignment.
	ErrMisaligned = kerr.New(kerr.ErrContract, "heap: misaligned address")

	// ErrBadPointer indicates an address that is not the start of a live block.
	ErrBadPointer = kerr.New(kerr.ErrContract, "heap: bad pointer")

	// ErrWrongHeap indicates a block freed to a heap other than the one it came from.
	ErrWrongHeap = kerr.New(kerr.ErrContract, "heap: block belongs to another heap")

	// ErrDoubleFree indicates a free of a block that is already free.
	ErrDoubleFree = kerr.New(kerr.ErrContract, "heap: double free")
)
