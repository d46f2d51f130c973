// Package pmm implements the buddy allocator of spec.md §4.1: per-order
// free lists over a contiguous physical range, split on allocation and
// coalesced on free. Free-block headers live in the blocks themselves,
// read and written through the physmap — the same in-place, no-side-table
// design as the teacher's mem.Physmem_t free lists (mem/mem.go), just with
// the teacher's single-page refcounted scheme replaced by binary-buddy
// split/merge (algorithm grounded on the pack's thinfs buddy allocator).
//
// Concurrency: spec.md §4.1 is explicit that this layer takes no lock of
// its own — the single-CPU cooperative kernel disables interrupts around
// any call that could race with an interrupt handler's kmalloc. Callers
// (slab, vmm) are responsible for that exclusion.
package pmm

import (
	"fmt"

	"github.com/oichkatzele/corevm/src/kerrors"
	"github.com/oichkatzele/corevm/src/physmap"
	"github.com/oichkatzele/corevm/src/util"
)

const op = "pmm"

// freeMagic tags a live free-block header; any other value found where one
// is expected is corruption (spec.md §3.1).
const freeMagic uint32 = 0xB0DD1E5F

// header is the in-place free-block header of spec.md §3.2: "{magic,
// order, next_phys}". It is overlaid directly on the first bytes of a
// free block via physmap.Memory.At.
type header struct {
	Magic    uint32
	Order    uint32
	NextPhys physmap.Addr
}

// implLimit bounds max_order per spec.md §3.2 ("capped at an
// implementation limit (>= 32 suffices)").
const implLimit = 40

// Stats reports PMM-wide accounting, consumed by tests checking P2.
type Stats struct {
	RangeStart Addr
	RangeEnd   Addr
	MinBlock   int
	MaxOrder   int
	Allocated  uint64
	Free       uint64
	FreeCounts []int
}

// Addr is a physical address, re-exported from physmap for callers that
// only need pmm.
type Addr = physmap.Addr

// Allocator is a buddy allocator over [rangeStart, rangeEnd).
type Allocator struct {
	mem         *physmap.Memory
	rangeStart  Addr
	rangeEnd    Addr
	minBlock    int
	maxOrder    int
	freeHeads   []Addr
	freeCounts  []int
	allocated   uint64
	initialized bool
}

// New initializes a buddy allocator managing [start, end) on mem, with
// minBlock the smallest allocation granularity (spec.md §3.2). Any
// portion of [start,end) not already covered by mem's backing store is
// rejected.
func New(mem *physmap.Memory, start, end Addr, minBlock int) (*Allocator, error) {
	if mem == nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "nil backing memory")
	}
	if minBlock < 16 || !util.IsPowerOfTwo(minBlock) {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "min_block %d must be a power of two >= 16", minBlock)
	}
	if end <= start || !util.Aligned(start, Addr(minBlock)) || !util.Aligned(end, Addr(minBlock)) {
		return nil, kerrors.New(kerrors.ErrNotAligned, op+".Init", "range [%#x,%#x) misaligned to min_block %d", start, end, minBlock)
	}
	if !mem.Contains(start, int(end-start)) {
		return nil, kerrors.New(kerrors.ErrOutOfRange, op+".Init", "range [%#x,%#x) outside backing memory", start, end)
	}

	rangeSize := uint64(end - start)
	maxOrder := 0
	for maxOrder+1 < implLimit && uint64(minBlock)<<(maxOrder+1) <= rangeSize {
		maxOrder++
	}

	a := &Allocator{
		mem:        mem,
		rangeStart: start,
		rangeEnd:   end,
		minBlock:   minBlock,
		maxOrder:   maxOrder,
		freeHeads:  make([]Addr, maxOrder+1),
		freeCounts: make([]int, maxOrder+1),
	}
	for i := range a.freeHeads {
		a.freeHeads[i] = physmap.NoAddr
	}
	if err := a.partitionFree(start, end); err != nil {
		return nil, err
	}
	a.initialized = true
	return a, nil
}

// Shutdown releases the allocator's bookkeeping. The underlying physmap
// memory is untouched (it is not this layer's to free).
func (a *Allocator) Shutdown() {
	a.initialized = false
	a.freeHeads = nil
	a.freeCounts = nil
}

func (a *Allocator) sizeOf(o int) int { return a.minBlock << uint(o) }

// orderFor returns the smallest order whose block size covers size bytes.
func (a *Allocator) orderFor(size int) (int, error) {
	if size <= 0 {
		return 0, kerrors.New(kerrors.ErrInvalid, op, "size %d must be positive", size)
	}
	for o := 0; o <= a.maxOrder; o++ {
		if a.sizeOf(o) >= size {
			return o, nil
		}
	}
	return 0, kerrors.New(kerrors.ErrInvalid, op, "size %d exceeds max block size %d", size, a.sizeOf(a.maxOrder))
}

func (a *Allocator) buddyOf(addr Addr, o int) Addr {
	off := uint64(addr - a.rangeStart)
	sz := uint64(a.sizeOf(o))
	return a.rangeStart + Addr(off^sz)
}

func (a *Allocator) headerAt(addr Addr) (*header, error) {
	p, err := a.mem.At(addr)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrOutOfRange, op, "%v", err)
	}
	return (*header)(p), nil
}

func (a *Allocator) writeFreeHeader(addr Addr, o int, next Addr) error {
	h, err := a.headerAt(addr)
	if err != nil {
		return err
	}
	h.Magic = freeMagic
	h.Order = uint32(o)
	h.NextPhys = next
	return nil
}

// pushFree pushes addr onto the order-o free list (LIFO, spec.md §3.2).
func (a *Allocator) pushFree(o int, addr Addr) error {
	if err := a.writeFreeHeader(addr, o, a.freeHeads[o]); err != nil {
		return err
	}
	a.freeHeads[o] = addr
	a.freeCounts[o]++
	return nil
}

// popFree pops the head of the order-o free list, validating its header.
// Returns physmap.NoAddr if the list is empty.
func (a *Allocator) popFree(o int) (Addr, error) {
	head := a.freeHeads[o]
	if head == physmap.NoAddr {
		return physmap.NoAddr, nil
	}
	h, err := a.headerAt(head)
	if err != nil {
		return 0, err
	}
	if h.Magic != freeMagic || int(h.Order) != o {
		return 0, kerrors.New(kerrors.ErrCorruption, op+".Alloc", "bad free header at %#x (order %d)", head, o)
	}
	a.freeHeads[o] = h.NextPhys
	a.freeCounts[o]--
	return head, nil
}

// removeExact removes target from the order-o free list if present,
// validating every header it walks past. Returns false if not found.
func (a *Allocator) removeExact(o int, target Addr) (bool, error) {
	cur := a.freeHeads[o]
	prev := physmap.NoAddr
	for cur != physmap.NoAddr {
		h, err := a.headerAt(cur)
		if err != nil {
			return false, err
		}
		if h.Magic != freeMagic || int(h.Order) != o {
			return false, kerrors.New(kerrors.ErrCorruption, op+".Free", "bad free header at %#x (order %d)", cur, o)
		}
		if cur == target {
			if prev == physmap.NoAddr {
				a.freeHeads[o] = h.NextPhys
			} else {
				ph, err := a.headerAt(prev)
				if err != nil {
					return false, err
				}
				ph.NextPhys = h.NextPhys
			}
			a.freeCounts[o]--
			return true, nil
		}
		prev = cur
		cur = h.NextPhys
	}
	return false, nil
}

// Alloc rounds size up to min_block, picks the smallest covering order,
// and returns a freshly split block's physical address (spec.md §4.1).
func (a *Allocator) Alloc(size int) (Addr, error) {
	if !a.initialized {
		return 0, kerrors.Sentinel(kerrors.ErrNotInit, op+".Alloc")
	}
	want, err := a.orderFor(size)
	if err != nil {
		return 0, err
	}
	for o := want; o <= a.maxOrder; o++ {
		addr, err := a.popFree(o)
		if err != nil {
			return 0, err
		}
		if addr == physmap.NoAddr {
			continue
		}
		// Split down from o to want, pushing each upper half onto the
		// next-lower order's free list.
		for cur := o; cur > want; cur-- {
			lower := cur - 1
			upper := addr + Addr(a.sizeOf(lower))
			if err := a.pushFree(lower, upper); err != nil {
				return 0, err
			}
		}
		a.allocated += uint64(a.sizeOf(want))
		return addr, nil
	}
	return 0, kerrors.New(kerrors.ErrOOM, op+".Alloc", "no order >= %d (size %d) available", want, size)
}

// Free rounds size up to min_block symmetrically with Alloc, then
// coalesces upward while the buddy is free (spec.md §4.1).
func (a *Allocator) Free(addr Addr, size int) error {
	if !a.initialized {
		return kerrors.Sentinel(kerrors.ErrNotInit, op+".Free")
	}
	o, err := a.orderFor(size)
	if err != nil {
		return err
	}
	if addr < a.rangeStart || addr >= a.rangeEnd {
		return kerrors.New(kerrors.ErrOutOfRange, op+".Free", "addr %#x outside [%#x,%#x)", addr, a.rangeStart, a.rangeEnd)
	}
	if !util.Aligned(uint64(addr-a.rangeStart), uint64(a.sizeOf(o))) {
		return kerrors.New(kerrors.ErrNotAligned, op+".Free", "addr %#x not aligned to order %d", addr, o)
	}
	// Heuristic double-free guard: a block's first bytes already carry a
	// live free-list header only if nothing reallocated it since its last
	// free. Not a guarantee (allocated payloads can coincidentally collide
	// with the magic), but it catches the common case cheaply.
	if h, err := a.headerAt(addr); err == nil && h.Magic == freeMagic && int(h.Order) <= a.maxOrder {
		if onList, _ := a.removeExact(int(h.Order), addr); onList {
			a.pushFree(int(h.Order), addr)
			return kerrors.New(kerrors.ErrInvalid, op+".Free", "addr %#x already free (order %d)", addr, h.Order)
		}
	}
	a.allocated -= uint64(a.sizeOf(o))

	for o < a.maxOrder {
		buddy := a.buddyOf(addr, o)
		if buddy >= a.rangeEnd {
			break
		}
		found, err := a.removeExact(o, buddy)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		if buddy < addr {
			addr = buddy
		}
		o++
	}
	return a.pushFree(o, addr)
}

// partitionFree greedily covers [s,e) with the largest aligned blocks it
// can and pushes each as free, used both by New (whole range starts free)
// and MarkFree. s and e must already be min_block-aligned.
func (a *Allocator) partitionFree(s, e Addr) error {
	for s < e {
		remaining := uint64(e - s)
		o := a.maxOrder
		for o > 0 {
			sz := uint64(a.sizeOf(o))
			if sz <= remaining && util.Aligned(uint64(s-a.rangeStart), sz) {
				break
			}
			o--
		}
		if err := a.pushFree(o, s); err != nil {
			return err
		}
		s += Addr(a.sizeOf(o))
	}
	return nil
}

// MarkReserved removes [s,e) from the allocatable range: it walks every
// free list and, for each block overlapping [s,e), removes it and pushes
// back the non-overlapping remnants as free (spec.md §4.1). s is rounded
// down and e rounded up to min_block.
func (a *Allocator) MarkReserved(s, e Addr) error {
	if !a.initialized {
		return kerrors.Sentinel(kerrors.ErrNotInit, op+".MarkReserved")
	}
	s = util.Rounddown(s, Addr(a.minBlock))
	e = util.Roundup(e, Addr(a.minBlock))
	if e <= s {
		return kerrors.New(kerrors.ErrInvalid, op+".MarkReserved", "empty range")
	}

	for o := 0; o <= a.maxOrder; o++ {
		var survivors []Addr
		for {
			addr, err := a.popFree(o)
			if err != nil {
				return err
			}
			if addr == physmap.NoAddr {
				break
			}
			blockEnd := addr + Addr(a.sizeOf(o))
			if blockEnd <= s || addr >= e {
				survivors = append(survivors, addr)
				continue
			}
			// overlap: split into up-to-two remnants outside [s,e), and
			// account the [max(s,addr), min(e,blockEnd)) slice actually
			// withdrawn as allocated so P2's coverage sum still holds.
			reservedStart := addr
			if s > reservedStart {
				reservedStart = s
			}
			reservedEnd := blockEnd
			if e < reservedEnd {
				reservedEnd = e
			}
			a.allocated += uint64(reservedEnd - reservedStart)
			if addr < s {
				if err := a.partitionFree(addr, s); err != nil {
					return err
				}
			}
			if blockEnd > e {
				if err := a.partitionFree(e, blockEnd); err != nil {
					return err
				}
			}
		}
		for _, addr := range survivors {
			if err := a.pushFree(o, addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkFree makes [s,e) allocatable, partitioning it into maximally
// aligned blocks (spec.md §4.1). s is rounded up and e rounded down to
// min_block so only fully-covered blocks are released.
func (a *Allocator) MarkFree(s, e Addr) error {
	if !a.initialized {
		return kerrors.Sentinel(kerrors.ErrNotInit, op+".MarkFree")
	}
	s = util.Roundup(s, Addr(a.minBlock))
	e = util.Rounddown(e, Addr(a.minBlock))
	if e <= s {
		return kerrors.New(kerrors.ErrInvalid, op+".MarkFree", "empty range")
	}
	// Releasing [s,e) back to the free lists is the inverse of the
	// withdrawal MarkReserved accounted as allocated.
	a.allocated -= uint64(e - s)
	return a.partitionFree(s, e)
}

// Stats reports current allocation state for diagnostics and P2.
func (a *Allocator) Stats() Stats {
	st := Stats{
		RangeStart: a.rangeStart,
		RangeEnd:   a.rangeEnd,
		MinBlock:   a.minBlock,
		MaxOrder:   a.maxOrder,
		Allocated:  a.allocated,
		FreeCounts: append([]int(nil), a.freeCounts...),
	}
	for o, c := range a.freeCounts {
		st.Free += uint64(c) * uint64(a.sizeOf(o))
	}
	return st
}

// VerifyIntegrity checks P1 (alignment) and internal list consistency,
// invoked by tests after each scenario (spec.md §7 "User-visible
// behavior").
func (a *Allocator) VerifyIntegrity() bool {
	if !a.initialized {
		return false
	}
	for o := 0; o <= a.maxOrder; o++ {
		seen := 0
		cur := a.freeHeads[o]
		for cur != physmap.NoAddr {
			if !util.Aligned(uint64(cur-a.rangeStart), uint64(a.sizeOf(o))) {
				return false
			}
			h, err := a.headerAt(cur)
			if err != nil || h.Magic != freeMagic || int(h.Order) != o {
				return false
			}
			seen++
			if seen > 1<<20 {
				return false // runaway cycle
			}
			cur = h.NextPhys
		}
		if seen != a.freeCounts[o] {
			return false
		}
	}
	covered := a.allocated + a.Stats().Free
	if covered != uint64(a.rangeEnd-a.rangeStart) {
		return false
	}
	return true
}

// RangeStart and RangeEnd expose the managed range for callers (slab's
// page allocation bounds, vmm's frame bookkeeping).
func (a *Allocator) RangeStart() Addr { return a.rangeStart }
func (a *Allocator) RangeEnd() Addr   { return a.rangeEnd }
func (a *Allocator) MinBlock() int    { return a.minBlock }

func (s Stats) String() string {
	return fmt.Sprintf("pmm{range=[%#x,%#x) min_block=%d max_order=%d allocated=%d free=%d}",
		s.RangeStart, s.RangeEnd, s.MinBlock, s.MaxOrder, s.Allocated, s.Free)
}
