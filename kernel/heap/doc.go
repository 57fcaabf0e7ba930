// Package heap implements the console heap allocator: several independent
// first-fit heaps carved from one arena, with fixed-address allocation and a
// full consistency check.
//
// # Overview
//
// Every heap is a contiguous range tiled by blocks. Each block starts with a
// 32-byte header (see block.go) holding its size, its owner heap, and its
// links into one of two lists: the free list, kept in address order, and the
// used list. Headers carry a magic word and a checksum so a stray pointer or
// a scribbled header is caught rather than followed.
//
// Allocation scans the free list and takes the first block that fits. When
// the remainder is at least MinBlockSize it becomes a new free block;
// otherwise the caller receives the slack. Freeing merges the block with any
// free neighbor immediately, so two free blocks are never adjacent.
//
// # Usage
//
//	mem, _ := arena.New(0x80000000, 1<<20, arena.BackingMmap)
//	a, _ := heap.NewAllocator(mem, heap.Options{})
//	id, _ := a.CreateHeap(mem.Base(), mem.End())
//	a.SetCurrent(id)
//
//	p, err := a.Alloc(1024)
//	if err != nil {
//	    return err
//	}
//	defer a.Free(p)
//
//	buf, _ := a.Bytes(p)
//	copy(buf, payload)
//
// # Errors
//
// Exhaustion (ErrNoSpace, ErrAddressUnavailable, ErrNoHeapSlot) and contract
// violations (ErrDoubleFree, ErrWrongHeap, ...) are returned and leave the
// heap untouched. A header that fails validation while walking a list is
// corruption: it is logged and handed to Options.Halt, which panics by
// default. The hook runs after the allocator lock is released, so it may
// call back into the allocator.
//
// # Debugging
//
// Set OSKIT_LOG_ALLOC=1 to trace every allocation and free to stderr.
package heap
