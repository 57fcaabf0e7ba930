package heap

import (
	"encoding/binary"
	"fmt"
)

// Block header layout. Every block, free or allocated, starts with one.
// Fields are big-endian 32-bit words, as the console stores them.
const (
	hdrMagic   = 0  // blockMagic
	hdrOwner   = 4  // heap generation<<8 | heap id
	hdrFlags   = 8  // flagAllocated
	hdrSize    = 12 // block size including header
	hdrPrev    = 16 // previous block in the same list, 0 = none
	hdrNext    = 20 // next block in the same list, 0 = none
	hdrRequest = 24 // size requested by the caller (allocated blocks)
	hdrCheck   = 28 // xor of the words above ^ checkSeed

	blockMagic = 0x4F534842 // "OSHB"
	checkSeed  = 0x5A5AA5A5

	flagAllocated = 1
)

// block is a decoded header.
type block struct {
	addr    Addr
	owner   uint32
	flags   uint32
	size    uint32
	prev    Addr
	next    Addr
	request uint32
}

func (b *block) allocated() bool { return b.flags&flagAllocated != 0 }
func (b *block) end() Addr { return b.addr + Addr(b.size) }
func (b *block) payload() Addr { return b.addr + HeaderSize }

func ownerTag(id ID, gen uint32) uint32 { return gen<<8 | uint32(id)&0xFF }
func ownerID(tag uint32) ID { return ID(tag & 0xFF) }

// headerError describes why a header failed to decode.
type headerError struct {
	addr   Addr
	reason string
}

func (e *headerError) Error() string {
	return fmt.Sprintf("block 0x%08X: %s", e.addr, e.reason)
}

// readBlock decodes and validates the header at addr. It does not lock.
func (a *Allocator) readBlock(addr Addr) (block, error) {
	buf := a.mem.Slice(addr, HeaderSize)
	if buf == nil {
		return block{}, &headerError{addr, "outside arena"}
	}
	if binary.BigEndian.Uint32(buf[hdrMagic:]) != blockMagic {
		return block{}, &headerError{addr, "bad magic"}
	}
	if checksum(buf) != binary.BigEndian.Uint32(buf[hdrCheck:]) {
		return block{}, &headerError{addr, "bad checksum"}
	}
	b := block{
		addr:    addr,
		owner:   binary.BigEndian.Uint32(buf[hdrOwner:]),
		flags:   binary.BigEndian.Uint32(buf[hdrFlags:]),
		size:    binary.BigEndian.Uint32(buf[hdrSize:]),
		prev:    Addr(binary.BigEndian.Uint32(buf[hdrPrev:])),
		next:    Addr(binary.BigEndian.Uint32(buf[hdrNext:])),
		request: binary.BigEndian.Uint32(buf[hdrRequest:]),
	}
	if b.size < MinBlockSize || b.size%Alignment != 0 || !a.mem.Contains(addr, b.size) {
		return block{}, &headerError{addr, fmt.Sprintf("bad size %d", b.size)}
	}
	return b, nil
}

// writeBlock encodes b at b.addr.
func (a *Allocator) writeBlock(b *block) {
	buf := a.mem.Slice(b.addr, HeaderSize)
	binary.BigEndian.PutUint32(buf[hdrMagic:], blockMagic)
	binary.BigEndian.PutUint32(buf[hdrOwner:], b.owner)
	binary.BigEndian.PutUint32(buf[hdrFlags:], b.flags)
	binary.BigEndian.PutUint32(buf[hdrSize:], b.size)
	binary.BigEndian.PutUint32(buf[hdrPrev:], uint32(b.prev))
	binary.BigEndian.PutUint32(buf[hdrNext:], uint32(b.next))
	binary.BigEndian.PutUint32(buf[hdrRequest:], b.request)
	binary.BigEndian.PutUint32(buf[hdrCheck:], checksum(buf))
}

// wipeBlock destroys the header at addr so stale pointers to it fail validation.
func (a *Allocator) wipeBlock(addr Addr) {
	clear(a.mem.Slice(addr, HeaderSize))
}

func checksum(buf []byte) uint32 {
	sum := uint32(checkSeed)
	for off := 0; off < hdrCheck; off += 4 {
		sum ^= binary.BigEndian.Uint32(buf[off:])
	}
	return sum
}

func alignUp(n uint64) uint64 { return (n + Alignment - 1) &^ (Alignment - 1) }

func alignDown(n uint64) uint64 { return n &^ (Alignment - 1) }
