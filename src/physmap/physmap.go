// Package physmap stands in for the bootloader-established linear
// identity map of spec.md §3.1: "any managed physical address P is
// directly readable/writable at virtual address P + PHYSMAP_BASE". On
// real hardware that mapping is installed once at boot by writing 1GB or
// 2MB page-table entries over all of RAM (the teacher's mem/dmap.go does
// exactly this in Dmap_init). Hosted under go test there is no real RAM
// to map, so Memory backs the managed range with an ordinary byte arena
// and is the only sanctioned door into it — every layer above this
// package reaches physical memory exclusively through Memory, the same
// discipline the teacher enforces by routing everything through
// mem.Physmem.Dmap.
package physmap

import (
	"fmt"
	"unsafe"
)

// Addr is a physical address within a Memory's managed range.
type Addr uint64

// NoAddr is the reserved sentinel distinct from any valid address,
// spec.md §3.2's "empty-list sentinel".
const NoAddr Addr = ^Addr(0)

const (
	// PageSize is spec.md §3.1's PAGE_SIZE.
	PageSize = 4096
	// PageShift is log2(PageSize).
	PageShift = 12
	// PageMask masks the in-page offset of an address.
	PageMask Addr = PageSize - 1

	// PhysmapBase is spec.md §6.1's PHYSMAP_VIRTUAL_BASE.
	PhysmapBase uint64 = 0xFFFF800000000000
	// KernelVirtualBase is spec.md §6.1's KERNEL_VIRTUAL_BASE.
	KernelVirtualBase uint64 = 0xFFFFFFFF80000000
)

// PageAlign rounds down to the containing page address.
func PageAlign(a Addr) Addr { return a &^ PageMask }

// PageOffset returns the in-page offset of a.
func PageOffset(a Addr) Addr { return a & PageMask }

// Memory is a contiguous simulated physical range, directly addressable
// end to end, exactly as the real physmap exposes all of RAM.
type Memory struct {
	base  Addr
	bytes []byte
}

// NewMemory allocates size bytes of backing store representing the
// physical range [base, base+size). size must be a multiple of PageSize.
func NewMemory(base Addr, size int) (*Memory, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("physmap: size %#x must be a positive multiple of page size", size)
	}
	return &Memory{base: base, bytes: make([]byte, size)}, nil
}

// Base returns the first address of the managed range.
func (m *Memory) Base() Addr { return m.base }

// End returns the address one past the last byte of the managed range.
func (m *Memory) End() Addr { return m.base + Addr(len(m.bytes)) }

// Size returns the length of the managed range in bytes.
func (m *Memory) Size() int { return len(m.bytes) }

// Contains reports whether [a, a+n) lies entirely within the managed
// range.
func (m *Memory) Contains(a Addr, n int) bool {
	if n < 0 {
		return false
	}
	return a >= m.base && uint64(a)+uint64(n) <= uint64(m.End())
}

// Bytes returns a slice over n bytes at physical address a, equivalent to
// the teacher's mem.Physmem.Dmap8. The returned slice aliases the
// backing store directly.
func (m *Memory) Bytes(a Addr, n int) ([]byte, error) {
	if !m.Contains(a, n) {
		return nil, fmt.Errorf("physmap: [%#x,%#x) outside managed range [%#x,%#x)", a, uint64(a)+uint64(n), m.base, m.End())
	}
	off := a - m.base
	return m.bytes[off : off+Addr(n)], nil
}

// At returns an unsafe pointer to physical address a, equivalent to the
// teacher's mem.Physmem.Dmap. Callers overlay a typed struct on top to
// read/write in-place metadata (headers, page table entries, ...), the
// same in-place-memory-games pattern design note §9 calls out.
func (m *Memory) At(a Addr) (unsafe.Pointer, error) {
	b, err := m.Bytes(a, 1)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(&b[0]), nil
}

// Zero fills [a, a+n) with zero bytes.
func (m *Memory) Zero(a Addr, n int) error {
	b, err := m.Bytes(a, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
