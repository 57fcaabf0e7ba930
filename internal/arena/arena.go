// Package arena provides the contiguous backing memory that heaps are carved from.
//
// An Arena pairs a console-side base address with a host byte slice of the
// same length. On Unix hosts the slice is an anonymous private mapping so that
// large arenas cost nothing until touched; elsewhere it is an ordinary Go
// allocation.
package arena

import (
	"errors"
	"fmt"
)

// Addr is a console-side address.
type Addr uint32

// Backing selects how the arena memory is obtained.
type Backing uint8

const (
	// BackingMmap maps anonymous memory where the host supports it.
	BackingMmap Backing = iota
	// BackingGo allocates a Go byte slice.
	BackingGo
)

var (
	// ErrBadRange indicates a zero base, zero size, or a range that wraps the address space.
	ErrBadRange = errors.New("arena: bad address range")

	// ErrClosed indicates use of an arena after Close.
	ErrClosed = errors.New("arena: closed")
)

// Arena is a contiguous address range backed by host memory.
type Arena struct {
	base    Addr
	data    []byte
	release func() error
}

// New creates an arena covering [base, base+size).
func New(base Addr, size uint32, backing Backing) (*Arena, error) {
	if base == 0 || size == 0 || uint64(base)+uint64(size) >= 1<<32 {
		return nil, fmt.Errorf("%w: base=0x%08X size=0x%X", ErrBadRange, base, size)
	}

	var (
		data    []byte
		release func() error
		err     error
	)
	switch backing {
	case BackingMmap:
		data, release, err = mapAnon(int(size))
		if err != nil {
			return nil, fmt.Errorf("arena: map %d bytes: %w", size, err)
		}
	default:
		data = make([]byte, size)
		release = func() error { return nil }
	}

	return &Arena{base: base, data: data, release: release}, nil
}

// Base returns the first address of the arena.
func (a *Arena) Base() Addr { return a.base }

// End returns the address one past the last byte of the arena.
func (a *Arena) End() Addr { return a.base + Addr(len(a.data)) }

// Size returns the arena length in bytes.
func (a *Arena) Size() uint32 { return uint32(len(a.data)) }

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a *Arena) Contains(addr Addr, n uint32) bool {
	if a.data == nil || addr < a.base {
		return false
	}
	off := uint64(addr - a.base)
	return off+uint64(n) <= uint64(len(a.data))
}

// Slice returns the host bytes backing [addr, addr+n), or nil when the range
// falls outside the arena.
func (a *Arena) Slice(addr Addr, n uint32) []byte {
	if !a.Contains(addr, n) {
		return nil
	}
	off := addr - a.base
	return a.data[off : off+Addr(n) : off+Addr(n)]
}

// Close releases the backing memory. Slices obtained earlier must not be used afterwards.
func (a *Arena) Close() error {
	if a.data == nil {
		return ErrClosed
	}
	err := a.release()
	a.data = nil
	return err
}
