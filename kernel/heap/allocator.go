package heap

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/joshuapare/oskit/internal/arena"
	"github.com/joshuapare/oskit/internal/logger"
	"github.com/joshuapare/oskit/kernel/kerr"
)

// Runtime debug flag for allocation logging - controlled by OSKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("OSKIT_LOG_ALLOC") != ""

// Addr is a console-side address.
type Addr = arena.Addr

// ID is a heap handle. Valid handles are small non-negative integers.
type ID int32

// NoHeap is the handle returned when no heap applies.
const NoHeap ID = -1

const (
	// Alignment is the granularity of every block address and size.
	Alignment = 32

	// HeaderSize is the in-band header in front of every block.
	HeaderSize = 32

	// MinBlockSize is the smallest block that can stand alone. A split remainder
	// below this is awarded to the allocation instead of becoming a free block.
	MinBlockSize = HeaderSize + Alignment

	// DefaultMaxHeaps is used when Options.MaxHeaps is zero.
	DefaultMaxHeaps = 4

	// maxHeaps is bounded by the 8-bit id field of the header owner tag.
	maxHeaps = 256
)

// Options configures an Allocator.
type Options struct {
	MaxHeaps int           // Heap slots. Default: DefaultMaxHeaps
	Logger   *slog.Logger  // Default: logger.For("heap")
	Halt     kerr.HaltFunc // Called on corruption. Default: log and panic
}

// Stats holds allocator counters.
type Stats struct {
	AllocCalls       int // Alloc/AllocFixed calls
	AllocFailures    int // Calls that returned an exhaustion error
	FreeCalls        int // Successful frees
	BytesAllocated   int64
	BytesFreed       int64
	SplitCount       int // Blocks split to satisfy a request
	CoalesceForward  int // Freed block merged with its successor
	CoalesceBackward int // Freed block merged with its predecessor
}

// HeapInfo describes one live heap.
type HeapInfo struct {
	ID      ID
	Start   Addr
	End     Addr
	Current bool
}

// heapDesc is one heap slot.
type heapDesc struct {
	id    ID
	inUse bool
	gen   uint32
	start Addr
	end   Addr
	free  Addr // head of the address-ordered free list
	used  Addr // head of the allocated list, most recent first
}

// Allocator manages independent first-fit heaps carved from one arena.
//
// All methods are safe for concurrent use. The heap lists are guarded by a
// single internal mutex that callers never see.
type Allocator struct {
	mu      sync.Mutex
	mem     *arena.Arena
	heaps   []heapDesc
	current ID
	stats   Stats

	log     *slog.Logger
	halt    kerr.HaltFunc
	halting *kerr.CorruptionError // first corruption seen under mu, halted on unlock
}

// NewAllocator prepares the arena for heap creation. No heap exists until
// CreateHeap is called.
func NewAllocator(mem *arena.Arena, opts Options) (*Allocator, error) {
	if mem == nil {
		return nil, fmt.Errorf("%w: nil arena", ErrBadRange)
	}
	if opts.MaxHeaps == 0 {
		opts.MaxHeaps = DefaultMaxHeaps
	}
	if opts.MaxHeaps < 0 || opts.MaxHeaps > maxHeaps {
		return nil, fmt.Errorf("heap: max heaps %d out of range 1..%d", opts.MaxHeaps, maxHeaps)
	}
	if opts.Logger == nil {
		opts.Logger = logger.For("heap")
	}

	a := &Allocator{
		mem:     mem,
		heaps:   make([]heapDesc, opts.MaxHeaps),
		current: NoHeap,
		log:     opts.Logger,
		halt:    opts.Halt,
	}
	a.log.Info("allocator initialized",
		"arena_start", fmt.Sprintf("0x%08X", mem.Base()),
		"arena_end", fmt.Sprintf("0x%08X", mem.End()),
		"max_heaps", opts.MaxHeaps)
	return a, nil
}

// Arena returns the backing arena.
func (a *Allocator) Arena() *arena.Arena { return a.mem }

// CreateHeap creates a heap over [start, end). The range is shrunk inward to
// Alignment and must lie inside the arena without overlapping another heap.
// The new heap holds one free block spanning the whole range.
func (a *Allocator) CreateHeap(start, end Addr) (ID, error) {
	a.mu.Lock()
	defer a.unlock()

	lo := Addr(alignUp(uint64(start)))
	hi := Addr(alignDown(uint64(end)))
	if hi <= lo || hi-lo < MinBlockSize || !a.mem.Contains(lo, uint32(hi-lo)) {
		a.log.Warn("heap create rejected", "start", start, "end", end, "error", ErrBadRange)
		return NoHeap, fmt.Errorf("%w: [0x%08X, 0x%08X)", ErrBadRange, start, end)
	}

	slot := NoHeap
	for i := range a.heaps {
		h := &a.heaps[i]
		if !h.inUse {
			if slot == NoHeap {
				slot = ID(i)
			}
			continue
		}
		if lo < h.end && h.start < hi {
			return NoHeap, fmt.Errorf("%w: heap %d [0x%08X, 0x%08X)", ErrOverlap, i, h.start, h.end)
		}
	}
	if slot == NoHeap {
		a.log.Warn("heap create failed", "error", ErrNoHeapSlot)
		return NoHeap, ErrNoHeapSlot
	}

	h := &a.heaps[slot]
	h.id = slot
	h.inUse = true
	h.gen++
	h.start, h.end = lo, hi
	h.free, h.used = lo, 0

	a.writeBlock(&block{
		addr:  lo,
		owner: ownerTag(slot, h.gen),
		size:  uint32(hi - lo),
	})

	a.log.Debug("heap created", "heap", slot, "start", fmt.Sprintf("0x%08X", lo), "size", hi-lo)
	return slot, nil
}

// DestroyHeap releases a heap slot. Blocks still allocated from it become
// invalid. Destroying the current heap leaves no current heap.
func (a *Allocator) DestroyHeap(id ID) error {
	a.mu.Lock()
	defer a.unlock()

	h, err := a.heapLocked(id)
	if err != nil {
		return err
	}
	a.wipeBlock(h.start)
	h.inUse = false
	h.free, h.used = 0, 0
	if a.current == id {
		a.current = NoHeap
	}
	a.log.Debug("heap destroyed", "heap", id)
	return nil
}

// SetCurrent selects the heap used by Alloc and Free and returns the previous one.
func (a *Allocator) SetCurrent(id ID) (ID, error) {
	a.mu.Lock()
	defer a.unlock()

	if _, err := a.heapLocked(id); err != nil {
		return a.current, err
	}
	prev := a.current
	a.current = id
	return prev, nil
}

// Current returns the current heap, or NoHeap.
func (a *Allocator) Current() ID {
	a.mu.Lock()
	defer a.unlock()
	return a.current
}

// Heaps lists the live heaps in slot order.
func (a *Allocator) Heaps() []HeapInfo {
	a.mu.Lock()
	defer a.unlock()

	var out []HeapInfo
	for i := range a.heaps {
		h := &a.heaps[i]
		if h.inUse {
			out = append(out, HeapInfo{ID: ID(i), Start: h.start, End: h.end, Current: a.current == ID(i)})
		}
	}
	return out
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.unlock()
	return a.stats
}

// Alloc allocates size bytes from the current heap.
func (a *Allocator) Alloc(size uint32) (Addr, error) {
	a.mu.Lock()
	defer a.unlock()

	if a.current == NoHeap {
		return 0, ErrNoCurrentHeap
	}
	return a.allocLocked(a.current, size)
}

// AllocFrom allocates size bytes from heap id and returns the payload address.
//
// The free list is scanned in address order and the first block large enough
// wins. The tail of that block is split off as a new free block when it is at
// least MinBlockSize; otherwise the caller gets the whole block.
func (a *Allocator) AllocFrom(id ID, size uint32) (Addr, error) {
	a.mu.Lock()
	defer a.unlock()
	return a.allocLocked(id, size)
}

func (a *Allocator) allocLocked(id ID, size uint32) (Addr, error) {
	a.stats.AllocCalls++

	h, err := a.heapLocked(id)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, ErrBadSize
	}
	need := HeaderSize + alignUp(uint64(size))

	var largest uint32
	for cur := h.free; cur != 0; {
		b, err := a.readListBlock(id, cur, false)
		if err != nil {
			return 0, err
		}
		if uint64(b.size) < need {
			largest = max(largest, b.size)
			cur = b.next
			continue
		}

		rem := uint64(b.size) - need
		if rem >= MinBlockSize {
			a.stats.SplitCount++
			tail := block{
				addr:  b.addr + Addr(need),
				owner: b.owner,
				size:  uint32(rem),
				prev:  b.prev,
				next:  b.next,
			}
			a.writeBlock(&tail)
			if err := a.replaceInList(h, &h.free, &b, tail.addr); err != nil {
				return 0, err
			}
			b.size = uint32(need)
		} else if err := a.unlink(h, &h.free, &b); err != nil {
			return 0, err
		}

		b.flags |= flagAllocated
		b.request = size
		if err := a.pushFront(h, &h.used, &b); err != nil {
			return 0, err
		}

		a.stats.BytesAllocated += int64(b.size)
		if logAlloc {
			fmt.Fprintf(os.Stderr, "[ALLOC] heap=%d request=%d block=0x%08X size=%d\n", id, size, b.addr, b.size)
		}
		return b.payload(), nil
	}

	a.stats.AllocFailures++
	a.log.Warn("allocation failed", "heap", id, "size", size, "largest_free", max(largest, HeaderSize)-HeaderSize)
	return 0, fmt.Errorf("%w: heap %d size %d", ErrNoSpace, id, size)
}

// AllocFixed allocates size bytes whose payload starts exactly at addr.
//
// The free block covering the requested range is split on both sides. A
// leading remainder smaller than MinBlockSize cannot stand as a free block,
// so such requests fail with ErrAddressUnavailable; a trailing remainder of
// that size is awarded to the allocation.
func (a *Allocator) AllocFixed(id ID, addr Addr, size uint32) (Addr, error) {
	a.mu.Lock()
	defer a.unlock()

	a.stats.AllocCalls++

	h, err := a.heapLocked(id)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, ErrBadSize
	}
	if addr%Alignment != 0 {
		return 0, fmt.Errorf("%w: 0x%08X", ErrMisaligned, addr)
	}

	start := uint64(addr) - HeaderSize
	end := start + HeaderSize + alignUp(uint64(size))
	if uint64(addr) < HeaderSize || start < uint64(h.start) || end > uint64(h.end) {
		return 0, a.fixedUnavailable(id, addr, size)
	}

	for cur := h.free; cur != 0; {
		f, err := a.readListBlock(id, cur, false)
		if err != nil {
			return 0, err
		}
		if uint64(f.addr) > start {
			break
		}
		if uint64(f.end()) < end {
			cur = f.next
			continue
		}

		left := start - uint64(f.addr)
		right := uint64(f.end()) - end
		if left != 0 && left < MinBlockSize {
			break
		}

		b := block{addr: Addr(start), owner: f.owner, size: uint32(end - start)}
		if left == 0 {
			// b takes f's place
			if right >= MinBlockSize {
				a.stats.SplitCount++
				tail := block{addr: Addr(end), owner: f.owner, size: uint32(right), prev: f.prev, next: f.next}
				a.writeBlock(&tail)
				if err := a.replaceInList(h, &h.free, &f, tail.addr); err != nil {
					return 0, err
				}
			} else {
				if err := a.unlink(h, &h.free, &f); err != nil {
					return 0, err
				}
				b.size += uint32(right)
			}
		} else {
			a.stats.SplitCount++
			f.size = uint32(left)
			a.writeBlock(&f)
			if right >= MinBlockSize {
				a.stats.SplitCount++
				tail := block{addr: Addr(end), owner: f.owner, size: uint32(right)}
				if err := a.insertAfter(h, &h.free, &f, &tail); err != nil {
					return 0, err
				}
			} else {
				b.size += uint32(right)
			}
		}

		b.flags = flagAllocated
		b.request = size
		if err := a.pushFront(h, &h.used, &b); err != nil {
			return 0, err
		}
		a.stats.BytesAllocated += int64(b.size)
		return addr, nil
	}

	return 0, a.fixedUnavailable(id, addr, size)
}

func (a *Allocator) fixedUnavailable(id ID, addr Addr, size uint32) error {
	a.stats.AllocFailures++
	a.log.Warn("fixed allocation failed", "heap", id, "addr", fmt.Sprintf("0x%08X", addr), "size", size)
	return fmt.Errorf("%w: heap %d addr 0x%08X size %d", ErrAddressUnavailable, id, addr, size)
}

// Free returns a block to the current heap.
func (a *Allocator) Free(addr Addr) error {
	a.mu.Lock()
	defer a.unlock()

	if a.current == NoHeap {
		return ErrNoCurrentHeap
	}
	return a.freeLocked(a.current, addr)
}

// FreeTo returns a block to heap id. The block is merged with an adjacent
// free predecessor and successor before this returns, so no two free blocks
// are ever neighbors.
func (a *Allocator) FreeTo(id ID, addr Addr) error {
	a.mu.Lock()
	defer a.unlock()
	return a.freeLocked(id, addr)
}

func (a *Allocator) freeLocked(id ID, addr Addr) error {
	h, err := a.heapLocked(id)
	if err != nil {
		return err
	}

	b, err := a.lookupLocked(addr)
	if err != nil {
		a.log.Warn("bad free", "heap", id, "addr", fmt.Sprintf("0x%08X", addr), "error", err)
		return err
	}
	owner := ownerID(b.owner)
	if owner != id {
		a.log.Warn("cross-heap free", "heap", id, "owner", owner, "addr", fmt.Sprintf("0x%08X", addr))
		return fmt.Errorf("%w: 0x%08X freed to heap %d, owned by heap %d", ErrWrongHeap, addr, id, owner)
	}
	if b.owner != ownerTag(id, h.gen) || b.addr < h.start || b.end() > h.end {
		return fmt.Errorf("%w: 0x%08X is stale", ErrBadPointer, addr)
	}
	if !b.allocated() {
		a.log.Warn("double free", "heap", id, "addr", fmt.Sprintf("0x%08X", addr))
		return fmt.Errorf("%w: 0x%08X", ErrDoubleFree, addr)
	}

	if err := a.unlink(h, &h.used, &b); err != nil {
		return err
	}
	a.stats.FreeCalls++
	a.stats.BytesFreed += int64(b.size)
	b.flags &^= flagAllocated
	b.request = 0

	// find the free neighbors in address order
	var prev, next block
	for cur := h.free; cur != 0; {
		f, err := a.readListBlock(id, cur, false)
		if err != nil {
			return err
		}
		if f.addr > b.addr {
			next = f
			break
		}
		prev = f
		cur = f.next
	}

	cur := &b
	if prev.addr != 0 && prev.end() == b.addr {
		a.stats.CoalesceBackward++
		a.wipeBlock(b.addr)
		prev.size += b.size
		cur = &prev
	} else {
		b.prev, b.next = prev.addr, next.addr
		a.writeBlock(&b)
		if err := a.relink(h, &h.free, b.prev, b.next, b.addr); err != nil {
			return err
		}
	}

	if next.addr != 0 && cur.end() == next.addr {
		a.stats.CoalesceForward++
		cur.size += next.size
		cur.next = next.next
		a.wipeBlock(next.addr)
		if next.next != 0 {
			nn, err := a.readListBlock(id, next.next, false)
			if err != nil {
				return err
			}
			nn.prev = cur.addr
			a.writeBlock(&nn)
		}
	}
	a.writeBlock(cur)

	if logAlloc {
		fmt.Fprintf(os.Stderr, "[FREE] heap=%d block=0x%08X merged=0x%08X size=%d\n", id, b.addr, cur.addr, cur.size)
	}
	return nil
}

// Bytes returns the host memory backing the payload of an allocated block.
// The slice spans the full block capacity, which may exceed the requested size.
func (a *Allocator) Bytes(addr Addr) ([]byte, error) {
	a.mu.Lock()
	defer a.unlock()

	b, err := a.lookupLocked(addr)
	if err != nil {
		return nil, err
	}
	if !b.allocated() {
		return nil, fmt.Errorf("%w: 0x%08X is free", ErrBadPointer, addr)
	}
	return a.mem.Slice(b.payload(), b.size-HeaderSize), nil
}

// SizeOf returns the payload capacity of an allocated block.
func (a *Allocator) SizeOf(addr Addr) (uint32, error) {
	a.mu.Lock()
	defer a.unlock()

	b, err := a.lookupLocked(addr)
	if err != nil {
		return 0, err
	}
	if !b.allocated() {
		return 0, fmt.Errorf("%w: 0x%08X is free", ErrBadPointer, addr)
	}
	return b.size - HeaderSize, nil
}

// lookupLocked decodes the header of the block whose payload is at addr.
func (a *Allocator) lookupLocked(addr Addr) (block, error) {
	if addr%Alignment != 0 || addr < HeaderSize {
		return block{}, fmt.Errorf("%w: 0x%08X", ErrBadPointer, addr)
	}
	b, err := a.readBlock(addr - HeaderSize)
	if err != nil {
		return block{}, fmt.Errorf("%w: 0x%08X: %v", ErrBadPointer, addr, err)
	}
	if int(ownerID(b.owner)) >= len(a.heaps) {
		return block{}, fmt.Errorf("%w: 0x%08X", ErrBadPointer, addr)
	}
	return b, nil
}

func (a *Allocator) heapLocked(id ID) (*heapDesc, error) {
	if id < 0 || int(id) >= len(a.heaps) || !a.heaps[id].inUse {
		return nil, fmt.Errorf("%w: %d", ErrBadHeap, id)
	}
	return &a.heaps[id], nil
}

// readListBlock reads a block reached through a heap list. A bad header there
// means the list itself is damaged, which halts.
func (a *Allocator) readListBlock(id ID, addr Addr, wantAllocated bool) (block, error) {
	b, err := a.readBlock(addr)
	if err == nil && b.allocated() != wantAllocated {
		err = &headerError{addr, fmt.Sprintf("allocated=%v on the wrong list", b.allocated())}
	}
	if err == nil && ownerID(b.owner) != id {
		err = &headerError{addr, fmt.Sprintf("owner heap %d on heap %d list", ownerID(b.owner), id)}
	}
	if err != nil {
		return block{}, a.corrupt(err.Error(), map[string]any{"heap": id, "block": fmt.Sprintf("0x%08X", addr)})
	}
	return b, nil
}

// corrupt reports a damaged structure. The caller holds a.mu; the halt hook
// runs from unlock, so a hook may call back into the allocator.
func (a *Allocator) corrupt(detail string, ctx map[string]any) error {
	err := &kerr.CorruptionError{Component: "heap", Detail: detail, Context: ctx}
	a.log.Error("heap corruption", err.Attrs()...)
	if a.halting == nil {
		a.halting = err
	}
	return err
}

// unlock releases a.mu and then halts on any corruption found while it was held.
func (a *Allocator) unlock() {
	err := a.halting
	a.halting = nil
	a.mu.Unlock()

	if err == nil {
		return
	}
	halt := a.halt
	if halt == nil {
		halt = kerr.Panic
	}
	halt(err)
}

// List maintenance. head points at the heap's free or used list head; blocks
// are rewritten in place.

// unlink removes b from its list.
func (a *Allocator) unlink(h *heapDesc, head *Addr, b *block) error {
	if err := a.relink(h, head, b.prev, b.next, 0); err != nil {
		return err
	}
	b.prev, b.next = 0, 0
	return nil
}

// replaceInList makes the block at repl take b's position. repl's own links
// must already equal b's.
func (a *Allocator) replaceInList(h *heapDesc, head *Addr, b *block, repl Addr) error {
	if err := a.relink(h, head, b.prev, b.next, repl); err != nil {
		return err
	}
	b.prev, b.next = 0, 0
	return nil
}

// insertAfter links n directly after b, which must be on the list.
func (a *Allocator) insertAfter(h *heapDesc, head *Addr, b, n *block) error {
	n.prev, n.next = b.addr, b.next
	a.writeBlock(n)
	return a.relink(h, head, b.addr, n.next, n.addr)
}

// pushFront writes b and makes it the list head.
func (a *Allocator) pushFront(h *heapDesc, head *Addr, b *block) error {
	b.prev, b.next = 0, *head
	a.writeBlock(b)
	return a.relink(h, head, 0, b.next, b.addr)
}

// relink points prev.next and next.prev at mid. A zero mid joins prev and next
// directly. A zero prev means the list head. Both neighbors are validated
// before either is rewritten; a bad one is list corruption.
func (a *Allocator) relink(h *heapDesc, head *Addr, prev, next, mid Addr) error {
	fwd, back := mid, mid
	if mid == 0 {
		fwd, back = next, prev
	}
	allocated := head == &h.used

	var p, n block
	var err error
	if prev != 0 {
		if p, err = a.readListBlock(h.id, prev, allocated); err != nil {
			return err
		}
	}
	if next != 0 {
		if n, err = a.readListBlock(h.id, next, allocated); err != nil {
			return err
		}
	}

	if prev == 0 {
		*head = fwd
	} else {
		p.next = fwd
		a.writeBlock(&p)
	}
	if next != 0 {
		n.prev = back
		a.writeBlock(&n)
	}
	return nil
}
