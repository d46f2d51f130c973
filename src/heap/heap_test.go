package heap

import (
	"testing"

	"github.com/oichkatzele/corevm/src/physmap"
	"github.com/oichkatzele/corevm/src/pmm"
	"github.com/oichkatzele/corevm/src/vmm"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, minArena uint64, maxSize int64) (*physmap.Memory, *Heap) {
	t.Helper()
	return newTestHeapFlags(t, minArena, maxSize, 0)
}

func newTestHeapFlags(t *testing.T, minArena uint64, maxSize int64, flags Flags) (*physmap.Memory, *Heap) {
	t.Helper()
	start := physmap.Addr(0x4_000_000)
	end := physmap.Addr(0x4_400_000)
	mem, err := physmap.NewMemory(start, int(end-start))
	require.NoError(t, err)
	p, err := pmm.New(mem, start, end, physmap.PageSize)
	require.NoError(t, err)
	kas, err := vmm.NewKernelAddressSpace(mem, p, 0xFFFFFFFF80000000, 0xFFFFFFFFC0000000)
	require.NoError(t, err)
	h, err := New(kas, mem, minArena, maxSize, true, flags)
	require.NoError(t, err)
	return mem, h
}

// P10: within every arena the block chain walk lands exactly on the
// arena's end, and the sums of USED and FREE block payloads match the
// heap's own view of what is allocated and what is free.
func TestInvariantP10RoundTrip(t *testing.T) {
	mem, h := newTestHeap(t, physmap.PageSize, 0)

	a, err := h.Malloc(64)
	require.NoError(t, err)
	b, err := h.Malloc(128)
	require.NoError(t, err)
	c, err := h.Malloc(256)
	require.NoError(t, err)
	require.NoError(t, h.Free(b))

	var usedPayload, freePayload uint64
	for _, ar := range h.arenas {
		addr := ar.base
		for addr < ar.base+ar.size {
			hdr, err := blockAt(mem, addr)
			require.NoError(t, err)
			switch hdr.Magic {
			case usedBlockMagic:
				usedPayload += uint64(payloadSize(hdr.Size))
			case freeBlockMagic:
				freePayload += uint64(payloadSize(hdr.Size))
			default:
				t.Fatalf("unrecognized block magic at %#x", addr)
			}
			addr += uint64(hdr.Size)
		}
		require.Equal(t, ar.base+ar.size, addr, "block chain must land exactly on arena end")
	}

	wantA, err := h.GetAllocSize(a)
	require.NoError(t, err)
	wantC, err := h.GetAllocSize(c)
	require.NoError(t, err)
	require.Equal(t, uint64(wantA+wantC), usedPayload)

	var wantFree uint64
	for _, addr := range h.freeList {
		hdr, err := blockAt(mem, addr)
		require.NoError(t, err)
		wantFree += uint64(payloadSize(hdr.Size))
	}
	require.Equal(t, wantFree, freePayload)
	require.True(t, h.CheckIntegrity())
}

// P11: the global free list stays sorted ascending by block size.
func TestInvariantP11FreeListSorted(t *testing.T) {
	mem, h := newTestHeap(t, physmap.PageSize, 0)

	// Spacer allocations between the target blocks stay live so the
	// targets can't coalesce back into each other once freed.
	s1, err := h.Malloc(400)
	require.NoError(t, err)
	_, err = h.Malloc(32)
	require.NoError(t, err)
	s2, err := h.Malloc(96)
	require.NoError(t, err)
	_, err = h.Malloc(32)
	require.NoError(t, err)
	s3, err := h.Malloc(200)
	require.NoError(t, err)

	require.NoError(t, h.Free(s2))
	require.NoError(t, h.Free(s1))
	require.NoError(t, h.Free(s3))

	require.Len(t, h.freeList, 3)
	var sizes []uint32
	for _, addr := range h.freeList {
		hdr, err := blockAt(mem, addr)
		require.NoError(t, err)
		sizes = append(sizes, hdr.Size)
	}
	for i := 1; i < len(sizes); i++ {
		require.LessOrEqual(t, sizes[i-1], sizes[i])
	}
	require.True(t, h.CheckIntegrity())
}

// P12: adjacent free blocks always coalesce into one.
func TestInvariantP12Coalesce(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, 0)

	a, err := h.Malloc(256)
	require.NoError(t, err)
	b, err := h.Malloc(256)
	require.NoError(t, err)
	c, err := h.Malloc(256)
	require.NoError(t, err)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))
	require.NoError(t, h.Free(b))
	require.True(t, h.CheckIntegrity())

	big, err := h.Malloc(700)
	require.NoError(t, err)
	require.Equal(t, a, big) // fully coalesced arena reused from its base
	require.True(t, h.CheckIntegrity())
}

// P13: after forcing a fresh arena and freeing it, arena_count returns to
// its pre-call value.
func TestInvariantP13ArenaCountRestored(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, 0)

	_, err := h.Malloc(64) // seed: keeps one arena alive throughout
	require.NoError(t, err)
	before := h.Stats().Arenas
	require.Equal(t, 1, before)

	big, err := h.Malloc(int(physmap.PageSize) * 3)
	require.NoError(t, err)
	require.Greater(t, h.Stats().Arenas, before)

	require.NoError(t, h.Free(big))
	require.Equal(t, before, h.Stats().Arenas)
	require.True(t, h.CheckIntegrity())
}

// P14: overwriting any header magic, footer magic, or red zone causes
// CheckIntegrity to report corruption.
func TestInvariantP14CorruptionDetected(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(hdr *blockHeader, ftr *blockFooter)
	}{
		{"header magic", func(hdr *blockHeader, ftr *blockFooter) { hdr.Magic = 0 }},
		{"header red zone pre", func(hdr *blockHeader, ftr *blockFooter) { hdr.RedZonePre = 0 }},
		{"header red zone post", func(hdr *blockHeader, ftr *blockFooter) { hdr.RedZonePost = 0 }},
		{"footer magic", func(hdr *blockHeader, ftr *blockFooter) { ftr.Magic = 0 }},
		{"footer red zone pre", func(hdr *blockHeader, ftr *blockFooter) { ftr.RedZonePre = 0 }},
		{"footer red zone post", func(hdr *blockHeader, ftr *blockFooter) { ftr.RedZonePost = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem, h := newTestHeap(t, physmap.PageSize, 0)
			ptr, err := h.Malloc(64)
			require.NoError(t, err)
			require.True(t, h.CheckIntegrity())

			addr := ptr - headerSize
			hdr, err := blockAt(mem, addr)
			require.NoError(t, err)
			ftr, err := footerOf(mem, addr, hdr.Size)
			require.NoError(t, err)
			tc.corrupt(hdr, ftr)

			require.False(t, h.CheckIntegrity())
		})
	}
}

// Double free is rejected without corrupting heap state (spec.md §7).
func TestDoubleFreeRejectedWithoutCorruption(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, 0)
	p, err := h.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	err = h.Free(p)
	require.Error(t, err)
	require.True(t, h.CheckIntegrity())
}

// The heap never reserves more from its backing address space than
// max_size permits.
func TestMaxSizeQuotaEnforced(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, int64(physmap.PageSize))
	_, err := h.Malloc(64)
	require.NoError(t, err)

	_, err = h.Malloc(int(physmap.PageSize))
	require.Error(t, err)
	st := h.Stats()
	require.LessOrEqual(t, st.BytesReserved, int64(physmap.PageSize))
}

func TestReallocGrowsAndShrinks(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, 0)
	p, err := h.Malloc(32)
	require.NoError(t, err)

	mem, err := h.mem.Bytes(physmap.Addr(p), 32)
	require.NoError(t, err)
	for i := range mem {
		mem[i] = byte(i)
	}

	grown, err := h.Realloc(p, 256)
	require.NoError(t, err)
	gbytes, err := h.mem.Bytes(physmap.Addr(grown), 32)
	require.NoError(t, err)
	for i := range gbytes {
		require.Equal(t, byte(i), gbytes[i])
	}

	shrunk, err := h.Realloc(grown, 8)
	require.NoError(t, err)
	require.Equal(t, grown, shrunk)
}

// FlagZero makes Malloc itself behave like Calloc (spec.md §3.5).
func TestFlagZeroZeroesMalloc(t *testing.T) {
	_, h := newTestHeapFlags(t, physmap.PageSize, 0, FlagZero)

	p, err := h.Malloc(64)
	require.NoError(t, err)
	b, err := h.mem.Bytes(physmap.Addr(p), 64)
	require.NoError(t, err)
	for _, v := range b {
		require.Zero(t, v)
	}
}

// FlagUrgent escalates a detected corruption to a fatal panic instead of
// returning kerrors.ErrCorruption (spec.md §7).
func TestFlagUrgentPanicsOnCorruption(t *testing.T) {
	_, h := newTestHeapFlags(t, physmap.PageSize, 0, FlagUrgent)

	p, err := h.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))

	require.Panics(t, func() {
		_ = h.Free(p) // double free: URGENT promotes this to a panic
	})
}

func TestCallocZeroes(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, 0)
	p, err := h.Calloc(4, 16)
	require.NoError(t, err)
	b, err := h.mem.Bytes(physmap.Addr(p), 64)
	require.NoError(t, err)
	for _, v := range b {
		require.Zero(t, v)
	}
}

func TestDestroyReleasesArenasAndRejectsFurtherUse(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, 0)
	_, err := h.Malloc(64)
	require.NoError(t, err)

	require.NoError(t, h.Destroy())
	require.Equal(t, 0, h.Stats().Arenas)

	_, err = h.Malloc(64)
	require.Error(t, err)
	require.Error(t, h.Destroy())
}

// scenario: freeing every allocation in a non-primary arena releases
// that arena back to the address space.
func TestArenaLifecycleReclaim(t *testing.T) {
	_, h := newTestHeap(t, physmap.PageSize, 0)

	var ptrs []uint64
	for i := 0; i < 20; i++ {
		p, err := h.Malloc(physmap.PageSize / 4)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	require.Greater(t, h.Stats().Arenas, 1)

	for _, p := range ptrs {
		require.NoError(t, h.Free(p))
	}
	require.True(t, h.CheckIntegrity())
	require.Equal(t, 1, h.Stats().Arenas)
}
