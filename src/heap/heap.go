// heap.go implements the multi-arena boundary-tagged allocator proper:
// each arena is one vmm.AddressSpace reservation, cut into header/footer
// blocks the same way the teacher's free-block headers live in-place
// over physmap (pmm/pmm.go), generalized from physical pages to
// virtual-memory arenas and from power-of-two buddy blocks to arbitrary
// split/coalesce boundary tags (algorithm grounded on the pack's thinfs
// buddy/arena split code, adapted to a linear free list the same way
// slab's freelist is adapted from mem.go's embedded next-pointer idiom).
package heap

import (
	"sort"

	"github.com/oichkatzele/corevm/src/irqlock"
	"github.com/oichkatzele/corevm/src/kerrors"
	"github.com/oichkatzele/corevm/src/physmap"
	"github.com/oichkatzele/corevm/src/vmm"
)

const op = "heap"

const (
	usedBlockMagic   uint32 = 0x4EA9A110
	freeBlockMagic   uint32 = 0x4EA9F4EE
	redZonePreMagic  uint32 = 0xDEAD2222
	redZonePostMagic uint32 = 0xBEEF2222
	align                   = 16 // left untyped so it composes with uint32/uint64/int call sites below
	headerSize              = 16 // magic,red_zone_pre,size,red_zone_post
	footerSize              = 16 // red_zone_pre,header_back_ptr(size),red_zone_post,magic
	minBlockSize            = headerSize + footerSize + align
)

// Flags enumerates the per-heap policy bits of spec.md §3.5.
type Flags uint8

const (
	// FlagZero makes every Malloc return zero-filled memory (calloc-by-
	// default), not just Calloc.
	FlagZero Flags = 1 << iota
	// FlagUrgent promotes a detected corruption into a fatal panic at the
	// call site instead of returning kerrors.ErrCorruption (spec.md §7).
	FlagUrgent
)

// blockHeader precedes every block's payload, allocated or free (spec.md
// §3.5: "{magic(USED|FREE), red_zones, size, total_size, arena_ptr,
// next_free, prev_free}"). Magic doubles as the USED/FREE discriminant
// the way slab.go's allocMagic/freeObjMagic do; arena_ptr and the
// next_free/prev_free links are modeled instead by findArena (an
// address-range lookup) and the heap's own sorted freeList slice, the
// same substitution slab.go's cache-level lists make for in-place
// pointers.
type blockHeader struct {
	Magic       uint32
	RedZonePre  uint32
	Size        uint32 // total block size including header+footer
	RedZonePost uint32
}

// blockFooter trails every block, enabling backward coalescing without a
// prev-pointer (the classic boundary-tag trick). Size doubles as the
// header_back_ptr of spec.md §3.5: stepping back Size bytes from the
// footer's own header-relative offset lands exactly on the header.
type blockFooter struct {
	RedZonePre  uint32
	Size        uint32
	RedZonePost uint32
	Magic       uint32
}

// arena is one virtual memory reservation backing some number of blocks.
type arena struct {
	base uint64
	size uint64
}

// VirtualBacking is the capability Heap needs from vmm: reserve and
// release whole regions of address space. *vmm.AddressSpace satisfies
// this directly.
type VirtualBacking interface {
	Alloc(length int, flags vmm.Flags) (uint64, error)
	Free(base uint64) error
}

// Heap is a general-purpose allocator carved out of one address space
// (spec.md §4.4). Kernel code and, in principle, any user address space
// each own one Heap.
type Heap struct {
	vm           VirtualBacking
	mem          *physmap.Memory
	minArenaSize uint64
	isKernel     bool
	flags        Flags
	lock         *irqlock.Lock

	arenas    []*arena
	freeList  []uint64 // block base addrs, kept sorted by block size ascending
	quota     *sizeAccount
	destroyed bool

	stats Stats
}

// Stats reports heap-wide counters for diagnostics.
type Stats struct {
	Arenas        int
	BytesReserved int64
	BytesInUse    int64
	Allocations   int
}

// New creates a heap backed by vm, reading and writing block metadata
// through mem. minArenaSize is the smallest unit requested from vm when
// the heap must grow; maxSize bounds total bytes ever reserved from vm
// (0 means unbounded); flags carries the ZERO/URGENT policy bits of
// spec.md §3.5.
func New(vm VirtualBacking, mem *physmap.Memory, minArenaSize uint64, maxSize int64, isKernel bool, flags Flags) (*Heap, error) {
	if vm == nil || mem == nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".New", "nil backend")
	}
	if minArenaSize == 0 || minArenaSize%physmap.PageSize != 0 {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".New", "min_arena_size must be a nonzero multiple of the page size")
	}
	return &Heap{
		vm:           vm,
		mem:          mem,
		minArenaSize: minArenaSize,
		isKernel:     isKernel,
		flags:        flags,
		lock:         irqlock.New(),
		quota:        newSizeAccount(maxSize),
	}, nil
}

// fail escalates a corruption finding to a fatal panic when the heap's
// URGENT flag is set (spec.md §7), otherwise returns err unchanged for
// the caller to propagate.
func (h *Heap) fail(err error) error {
	if err != nil && h.flags&FlagUrgent != 0 && kerrors.CodeOf(err) == kerrors.ErrCorruption {
		panic(err)
	}
	return err
}

func roundUp(n, b uint64) uint64 { return (n + b - 1) / b * b }

func blockAt(mem *physmap.Memory, addr uint64) (*blockHeader, error) {
	p, err := mem.At(physmap.Addr(addr))
	if err != nil {
		return nil, kerrors.New(kerrors.ErrOutOfRange, op, "%v", err)
	}
	return (*blockHeader)(p), nil
}

func footerOf(mem *physmap.Memory, addr uint64, size uint32) (*blockFooter, error) {
	p, err := mem.At(physmap.Addr(addr + uint64(size) - footerSize))
	if err != nil {
		return nil, kerrors.New(kerrors.ErrOutOfRange, op, "%v", err)
	}
	return (*blockFooter)(p), nil
}

// writeBlock stamps header and footer for a block of the given size and
// free state at addr, including both structures' red zones (spec.md
// §3.1: "every allocator tags every live structure with a magic constant
// and ... red zone constants").
func writeBlock(mem *physmap.Memory, addr uint64, size uint32, free bool) error {
	h, err := blockAt(mem, addr)
	if err != nil {
		return err
	}
	if free {
		h.Magic = freeBlockMagic
	} else {
		h.Magic = usedBlockMagic
	}
	h.RedZonePre = redZonePreMagic
	h.Size = size
	h.RedZonePost = redZonePostMagic

	f, err := footerOf(mem, addr, size)
	if err != nil {
		return err
	}
	f.RedZonePre = redZonePreMagic
	f.Size = size
	f.RedZonePost = redZonePostMagic
	f.Magic = h.Magic
	return nil
}

// validateBlock reads and checks the header and footer at addr: both
// magics must be a recognized USED/FREE value and agree with each other,
// both red zones on each structure must be intact, and the footer's
// back-pointer size must match the header's (spec.md §3.1/§9's
// magic/red-zone pattern, checked "on every operation touching the
// block"). Any mismatch is ErrCorruption.
func validateBlock(mem *physmap.Memory, addr uint64) (*blockHeader, *blockFooter, error) {
	hdr, err := blockAt(mem, addr)
	if err != nil {
		return nil, nil, err
	}
	if hdr.Magic != usedBlockMagic && hdr.Magic != freeBlockMagic {
		return nil, nil, kerrors.New(kerrors.ErrCorruption, op, "bad header magic at %#x", addr)
	}
	if hdr.RedZonePre != redZonePreMagic || hdr.RedZonePost != redZonePostMagic {
		return nil, nil, kerrors.New(kerrors.ErrCorruption, op, "header red zone violated at %#x", addr)
	}
	ftr, err := footerOf(mem, addr, hdr.Size)
	if err != nil {
		return nil, nil, err
	}
	if ftr.Magic != hdr.Magic {
		return nil, nil, kerrors.New(kerrors.ErrCorruption, op, "footer/header magic mismatch at %#x", addr)
	}
	if ftr.Size != hdr.Size {
		return nil, nil, kerrors.New(kerrors.ErrCorruption, op, "footer/header size mismatch at %#x", addr)
	}
	if ftr.RedZonePre != redZonePreMagic || ftr.RedZonePost != redZonePostMagic {
		return nil, nil, kerrors.New(kerrors.ErrCorruption, op, "footer red zone violated at %#x", addr)
	}
	return hdr, ftr, nil
}

// freeListInsert inserts addr into the sorted-by-size free list.
func (h *Heap) freeListInsert(addr uint64) error {
	hdr, err := blockAt(h.mem, addr)
	if err != nil {
		return err
	}
	size := hdr.Size
	i := sort.Search(len(h.freeList), func(i int) bool {
		hi, _ := blockAt(h.mem, h.freeList[i])
		return hi.Size >= size
	})
	h.freeList = append(h.freeList, 0)
	copy(h.freeList[i+1:], h.freeList[i:])
	h.freeList[i] = addr
	return nil
}

func (h *Heap) freeListRemove(addr uint64) {
	for i, a := range h.freeList {
		if a == addr {
			h.freeList = append(h.freeList[:i], h.freeList[i+1:]...)
			return
		}
	}
}

// findArena returns the arena containing addr.
func (h *Heap) findArena(addr uint64) *arena {
	for _, a := range h.arenas {
		if addr >= a.base && addr < a.base+a.size {
			return a
		}
	}
	return nil
}

// growArena requests a fresh arena of at least need bytes from vm and
// seeds it as one large free block.
func (h *Heap) growArena(need uint64) error {
	size := roundUp(need, h.minArenaSize)
	if size < h.minArenaSize {
		size = h.minArenaSize
	}
	if !h.quota.reserve(int64(size)) {
		return kerrors.New(kerrors.ErrOOM, op+".Alloc", "heap quota exhausted requesting %d bytes", size)
	}
	base, err := h.vm.Alloc(int(size), vmm.Flags{Write: true, User: !h.isKernel})
	if err != nil {
		h.quota.release(int64(size))
		return kerrors.New(kerrors.ErrNoMemory, op+".Alloc", "%v", err)
	}
	if err := writeBlock(h.mem, base, uint32(size), true); err != nil {
		_ = h.vm.Free(base)
		h.quota.release(int64(size))
		return err
	}
	h.arenas = append(h.arenas, &arena{base: base, size: size})
	if err := h.freeListInsert(base); err != nil {
		return err
	}
	h.stats.Arenas++
	h.stats.BytesReserved += int64(size)
	return nil
}

// payloadSize returns the usable bytes of a block of the given total size.
func payloadSize(size uint32) uint32 { return size - headerSize - footerSize }

func blockSizeFor(userSize int) uint32 {
	total := uint64(userSize) + headerSize + footerSize
	total = roundUp(total, uint64(align))
	if total < minBlockSize {
		total = minBlockSize
	}
	return uint32(total)
}

// Malloc returns a pointer (virtual address) to a newly allocated block
// of at least size usable bytes (spec.md §4.4).
func (h *Heap) Malloc(size int) (uint64, error) {
	if size <= 0 {
		return 0, kerrors.New(kerrors.ErrBadSize, op+".Malloc", "size %d must be positive", size)
	}
	c := h.lock.Acquire()
	defer h.lock.Release(c)
	if h.destroyed {
		return 0, kerrors.Sentinel(kerrors.ErrNotInit, op+".Malloc")
	}

	want := blockSizeFor(size)
	addr, err := h.takeFreeBlock(want)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		if err := h.growArena(uint64(want)); err != nil {
			return 0, err
		}
		addr, err = h.takeFreeBlock(want)
		if err != nil {
			return 0, err
		}
		if addr == 0 {
			return 0, kerrors.New(kerrors.ErrNoMemory, op+".Malloc", "no block of size %d after growth", want)
		}
	}
	h.stats.Allocations++
	h.stats.BytesInUse += int64(want)
	ptr := addr + headerSize
	if h.flags&FlagZero != 0 {
		hdr, err := blockAt(h.mem, addr)
		if err != nil {
			return 0, err
		}
		if err := h.mem.Zero(physmap.Addr(ptr), int(payloadSize(hdr.Size))); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

// takeFreeBlock finds the smallest free block >= want, splits off any
// large remainder, marks it allocated, and returns its address (0 if
// none exists in the current arenas).
func (h *Heap) takeFreeBlock(want uint32) (uint64, error) {
	i := sort.Search(len(h.freeList), func(i int) bool {
		hi, _ := blockAt(h.mem, h.freeList[i])
		return hi.Size >= want
	})
	if i == len(h.freeList) {
		return 0, nil
	}
	addr := h.freeList[i]
	h.freeList = append(h.freeList[:i], h.freeList[i+1:]...)

	hdr, err := blockAt(h.mem, addr)
	if err != nil {
		return 0, err
	}
	size := hdr.Size
	remainder := size - want
	if remainder >= minBlockSize {
		if err := writeBlock(h.mem, addr, want, false); err != nil {
			return 0, err
		}
		tailAddr := addr + uint64(want)
		if err := writeBlock(h.mem, tailAddr, remainder, true); err != nil {
			return 0, err
		}
		if err := h.freeListInsert(tailAddr); err != nil {
			return 0, err
		}
	} else {
		if err := writeBlock(h.mem, addr, size, false); err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// Free releases the block at ptr (spec.md §4.4), coalescing with
// physically adjacent free blocks within the same arena.
func (h *Heap) Free(ptr uint64) error {
	c := h.lock.Acquire()
	defer h.lock.Release(c)
	if h.destroyed {
		return kerrors.Sentinel(kerrors.ErrNotInit, op+".Free")
	}

	addr := ptr - headerSize
	hdr, err := blockAt(h.mem, addr)
	if err != nil {
		return err
	}
	if hdr.Magic == freeBlockMagic {
		// Double free (spec.md §7): detected via the absent USED magic,
		// returned without mutating any state.
		return h.fail(kerrors.New(kerrors.ErrCorruption, op+".Free", "double free at %#x", ptr))
	}
	if _, _, err := validateBlock(h.mem, addr); err != nil {
		return h.fail(err)
	}
	a := h.findArena(addr)
	if a == nil {
		return kerrors.New(kerrors.ErrNotFound, op+".Free", "address %#x not in any arena", addr)
	}

	size := hdr.Size
	h.stats.BytesInUse -= int64(size)

	// coalesce forward
	nextAddr := addr + uint64(size)
	if nextAddr < a.base+a.size {
		if nh, _, err := validateBlock(h.mem, nextAddr); err == nil && nh.Magic == freeBlockMagic {
			h.freeListRemove(nextAddr)
			size += nh.Size
		}
	}
	// coalesce backward
	if addr > a.base {
		rawFooter, err := h.mem.At(physmap.Addr(addr - footerSize))
		if err == nil {
			prevFooter := (*blockFooter)(rawFooter)
			if prevFooter.Magic == usedBlockMagic || prevFooter.Magic == freeBlockMagic {
				prevAddr := addr - uint64(prevFooter.Size)
				if prevAddr >= a.base {
					if ph, _, err := validateBlock(h.mem, prevAddr); err == nil && ph.Magic == freeBlockMagic {
						h.freeListRemove(prevAddr)
						size += ph.Size
						addr = prevAddr
					}
				}
			}
		}
	}

	if err := writeBlock(h.mem, addr, size, true); err != nil {
		return err
	}
	if err := h.freeListInsert(addr); err != nil {
		return err
	}

	h.maybeReleaseArena()
	return nil
}

// maybeReleaseArena releases idle arenas back to vm one at a time for as
// long as the heap has another arena to serve future requests from and
// its global free bytes are at least 4x its allocated bytes (spec.md
// §4.4's arena lifecycle: never release the last arena, and only release
// when free space is "much larger", threshold >= 4x, than what's still
// in use). It is called after every Free, since the free just performed
// may have both made an arena idle and, by lowering BytesInUse, pushed
// the heap-wide ratio over the threshold for an arena that went idle
// earlier but wasn't releasable yet at the time.
func (h *Heap) maybeReleaseArena() {
	for {
		if len(h.arenas) <= 1 {
			return
		}
		freeBytes := h.stats.BytesReserved - h.stats.BytesInUse
		if freeBytes < 4*h.stats.BytesInUse {
			return
		}
		var idle *arena
		for _, a := range h.arenas {
			hdr, err := blockAt(h.mem, a.base)
			if err == nil && hdr.Magic == freeBlockMagic && uint64(hdr.Size) == a.size {
				idle = a
				break
			}
		}
		if idle == nil {
			return
		}
		if err := h.vm.Free(idle.base); err != nil {
			return
		}
		h.freeListRemove(idle.base)
		for i, existing := range h.arenas {
			if existing == idle {
				h.arenas = append(h.arenas[:i], h.arenas[i+1:]...)
				break
			}
		}
		h.quota.release(int64(idle.size))
		h.stats.Arenas--
		h.stats.BytesReserved -= int64(idle.size)
	}
}

// GetAllocSize returns the usable payload size of the block at ptr.
func (h *Heap) GetAllocSize(ptr uint64) (int, error) {
	c := h.lock.Acquire()
	defer h.lock.Release(c)
	hdr, _, err := validateBlock(h.mem, ptr-headerSize)
	if err != nil {
		return 0, h.fail(err)
	}
	if hdr.Magic != usedBlockMagic {
		return 0, kerrors.New(kerrors.ErrInvalid, op+".GetAllocSize", "not an allocated block: %#x", ptr)
	}
	return int(payloadSize(hdr.Size)), nil
}

// Calloc allocates n*size zeroed bytes.
func (h *Heap) Calloc(n, size int) (uint64, error) {
	if n < 0 || size < 0 {
		return 0, kerrors.New(kerrors.ErrBadSize, op+".Calloc", "negative n or size")
	}
	total := n * size
	ptr, err := h.Malloc(total)
	if err != nil {
		return 0, err
	}
	if err := h.mem.Zero(physmap.Addr(ptr), total); err != nil {
		return 0, err
	}
	return ptr, nil
}

// Realloc resizes the block at ptr to newSize bytes, preserving its
// contents up to min(oldSize,newSize). It may return a different
// address.
func (h *Heap) Realloc(ptr uint64, newSize int) (uint64, error) {
	if newSize <= 0 {
		return 0, kerrors.New(kerrors.ErrBadSize, op+".Realloc", "size %d must be positive", newSize)
	}
	oldSize, err := h.GetAllocSize(ptr)
	if err != nil {
		return 0, err
	}
	if newSize <= oldSize {
		return ptr, nil
	}
	if grown, ok, err := h.tryGrowInPlace(ptr, newSize); err != nil {
		return 0, err
	} else if ok {
		return grown, nil
	}

	newPtr, err := h.Malloc(newSize)
	if err != nil {
		return 0, err
	}
	oldBytes, err := h.mem.Bytes(physmap.Addr(ptr), oldSize)
	if err != nil {
		return 0, err
	}
	newBytes, err := h.mem.Bytes(physmap.Addr(newPtr), oldSize)
	if err != nil {
		return 0, err
	}
	copy(newBytes, oldBytes)
	if err := h.Free(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// tryGrowInPlace absorbs a following free block to satisfy a Realloc
// growth without moving the payload, when possible.
func (h *Heap) tryGrowInPlace(ptr uint64, newSize int) (uint64, bool, error) {
	c := h.lock.Acquire()
	defer h.lock.Release(c)

	addr := ptr - headerSize
	hdr, _, err := validateBlock(h.mem, addr)
	if err != nil {
		return 0, false, h.fail(err)
	}
	a := h.findArena(addr)
	if a == nil {
		return 0, false, kerrors.New(kerrors.ErrNotFound, op+".Realloc", "address not in any arena")
	}
	want := blockSizeFor(newSize)
	nextAddr := addr + uint64(hdr.Size)
	if nextAddr >= a.base+a.size {
		return 0, false, nil
	}
	nh, _, err := validateBlock(h.mem, nextAddr)
	if err != nil || nh.Magic != freeBlockMagic {
		return 0, false, nil
	}
	combined := hdr.Size + nh.Size
	if combined < want {
		return 0, false, nil
	}
	h.freeListRemove(nextAddr)
	h.stats.BytesInUse += int64(combined - hdr.Size)
	remainder := combined - want
	if remainder >= minBlockSize {
		if err := writeBlock(h.mem, addr, want, false); err != nil {
			return 0, false, err
		}
		tailAddr := addr + uint64(want)
		if err := writeBlock(h.mem, tailAddr, remainder, true); err != nil {
			return 0, false, err
		}
		if err := h.freeListInsert(tailAddr); err != nil {
			return 0, false, err
		}
	} else {
		if err := writeBlock(h.mem, addr, combined, false); err != nil {
			return 0, false, err
		}
	}
	return ptr, true, nil
}

// Stats returns the heap's current counters.
func (h *Heap) Stats() Stats {
	c := h.lock.Acquire()
	defer h.lock.Release(c)
	return h.stats
}

// CheckIntegrity walks every arena's block chain, validating header and
// footer magics and sizes, and confirms every free-list entry is a real
// free block found during that walk (spec.md §8's heap invariants).
func (h *Heap) CheckIntegrity() bool {
	c := h.lock.Acquire()
	defer h.lock.Release(c)

	seenFree := map[uint64]bool{}
	for _, a := range h.arenas {
		addr := a.base
		for addr < a.base+a.size {
			hdr, _, err := validateBlock(h.mem, addr)
			if err != nil || hdr.Size == 0 {
				return false
			}
			if hdr.Magic == freeBlockMagic {
				seenFree[addr] = true
			}
			addr += uint64(hdr.Size)
		}
		if addr != a.base+a.size {
			return false
		}
	}
	if len(seenFree) != len(h.freeList) {
		return false
	}
	for i, addr := range h.freeList {
		if !seenFree[addr] {
			return false
		}
		if i > 0 {
			prevHdr, _, errPrev := validateBlock(h.mem, h.freeList[i-1])
			curHdr, _, errCur := validateBlock(h.mem, addr)
			if errPrev != nil || errCur != nil || prevHdr.Size > curHdr.Size {
				return false
			}
		}
	}
	return true
}

// Destroy releases every arena this heap holds back to its backing
// address space (spec.md §6.3's destroy(heap)) and refuses every
// further call. Outstanding allocations are not individually freed
// first: like vmm.AddressSpace.Destroy, tearing down the whole heap at
// once is only valid once nothing still references its memory.
func (h *Heap) Destroy() error {
	c := h.lock.Acquire()
	defer h.lock.Release(c)
	if h.destroyed {
		return kerrors.Sentinel(kerrors.ErrNotInit, op+".Destroy")
	}
	for _, a := range h.arenas {
		if err := h.vm.Free(a.base); err != nil {
			return kerrors.New(kerrors.ErrInvalid, op+".Destroy", "releasing arena at %#x: %v", a.base, err)
		}
	}
	h.arenas = nil
	h.freeList = nil
	h.stats = Stats{}
	h.destroyed = true
	return nil
}
