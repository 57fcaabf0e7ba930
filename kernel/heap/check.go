package heap

import (
	"fmt"
	"strings"
)

// Report summarizes one heap walk.
type Report struct {
	Heap           ID
	Blocks         int
	FreeBlocks     int
	UsedBlocks     int
	FreeBytes      uint64 // free block sizes, headers included
	UsedBytes      uint64 // allocated block sizes, headers included
	RequestedBytes uint64 // sum of caller request sizes
	OverheadBytes  uint64 // allocated block headers and padding
	TotalBytes     uint64 // heap span
	LargestFree    uint32 // largest free payload

	Problems []string
}

// OK reports whether the walk found nothing wrong.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) addf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check walks heap id in address order and verifies its invariants:
// every header decodes, blocks tile the heap exactly, no two free blocks
// are adjacent, the free list is address ordered, both lists hold exactly
// the blocks the walk found, and free + requested + overhead equals the
// heap span.
//
// Any violation is reported through the halt hook. When the hook returns,
// Check returns the report together with the corruption error.
func (a *Allocator) Check(id ID) (*Report, error) {
	a.mu.Lock()
	defer a.unlock()

	h, err := a.heapLocked(id)
	if err != nil {
		return nil, err
	}

	r := &Report{Heap: id, TotalBytes: uint64(h.end - h.start)}
	tag := ownerTag(id, h.gen)
	free := make(map[Addr]bool)
	used := make(map[Addr]bool)

	prevFree := false
	cur := h.start
	for cur < h.end {
		b, err := a.readBlock(cur)
		if err != nil {
			r.addf("%v", err)
			break
		}
		if b.owner != tag {
			r.addf("block 0x%08X: owner 0x%X, want 0x%X", b.addr, b.owner, tag)
		}
		if b.end() > h.end {
			r.addf("block 0x%08X: size %d runs past heap end 0x%08X", b.addr, b.size, h.end)
			break
		}

		r.Blocks++
		if b.allocated() {
			r.UsedBlocks++
			r.UsedBytes += uint64(b.size)
			r.RequestedBytes += uint64(b.request)
			if uint64(b.request) > uint64(b.size-HeaderSize) {
				r.addf("block 0x%08X: request %d exceeds capacity %d", b.addr, b.request, b.size-HeaderSize)
			}
			used[b.addr] = true
			prevFree = false
		} else {
			if prevFree {
				r.addf("block 0x%08X: adjacent free blocks not coalesced", b.addr)
			}
			r.FreeBlocks++
			r.FreeBytes += uint64(b.size)
			r.LargestFree = max(r.LargestFree, b.size-HeaderSize)
			free[b.addr] = true
			prevFree = true
		}
		cur = b.end()
	}

	a.checkList(r, "free", h.free, free, true)
	a.checkList(r, "used", h.used, used, false)

	if r.UsedBytes+r.FreeBytes != r.TotalBytes {
		r.addf("used %d + free %d != span %d", r.UsedBytes, r.FreeBytes, r.TotalBytes)
	}
	if r.UsedBytes >= r.RequestedBytes {
		r.OverheadBytes = r.UsedBytes - r.RequestedBytes
	}
	if r.FreeBytes+r.RequestedBytes+r.OverheadBytes != r.TotalBytes {
		r.addf("free %d + requested %d + overhead %d != span %d",
			r.FreeBytes, r.RequestedBytes, r.OverheadBytes, r.TotalBytes)
	}

	if !r.OK() {
		return r, a.corrupt(strings.Join(r.Problems, "; "), map[string]any{"heap": id})
	}
	a.log.Debug("heap check ok", "heap", id, "blocks", r.Blocks, "free_bytes", r.FreeBytes, "used_bytes", r.UsedBytes)
	return r, nil
}

// checkList follows a heap list and crosses it off against the walk. Entries
// found by the walk are removed from want.
func (a *Allocator) checkList(r *Report, name string, head Addr, want map[Addr]bool, ordered bool) {
	var prev Addr
	steps := 0
	for cur := head; cur != 0; {
		if !want[cur] {
			r.addf("%s list: 0x%08X not a %s block in the walk", name, cur, name)
			return
		}
		delete(want, cur)

		b, err := a.readBlock(cur)
		if err != nil {
			r.addf("%s list: %v", name, err)
			return
		}
		if b.prev != prev {
			r.addf("%s list: 0x%08X prev 0x%08X, want 0x%08X", name, cur, b.prev, prev)
		}
		if ordered && b.next != 0 && b.next <= cur {
			r.addf("%s list: 0x%08X next 0x%08X out of address order", name, cur, b.next)
			return
		}
		prev = cur
		cur = b.next

		steps++
		if steps > r.Blocks {
			r.addf("%s list: cycle", name)
			return
		}
	}
	for addr := range want {
		r.addf("%s list: block 0x%08X missing", name, addr)
	}
}
