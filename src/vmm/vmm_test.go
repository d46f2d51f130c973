package vmm

import (
	"testing"

	"github.com/oichkatzele/corevm/src/physmap"
	"github.com/oichkatzele/corevm/src/pmm"
	"github.com/stretchr/testify/require"
)

func newTestKernelAS(t *testing.T) (*physmap.Memory, *pmm.Allocator, *AddressSpace) {
	t.Helper()
	start := physmap.Addr(0x3_000_000)
	end := physmap.Addr(0x3_400_000)
	mem, err := physmap.NewMemory(start, int(end-start))
	require.NoError(t, err)
	p, err := pmm.New(mem, start, end, physmap.PageSize)
	require.NoError(t, err)
	kas, err := NewKernelAddressSpace(mem, p, 0xFFFFFFFF80000000, 0xFFFFFFFFC0000000)
	require.NoError(t, err)
	return mem, p, kas
}

// P7: no two objects in an address space ever overlap.
func TestInvariantP7NonOverlap(t *testing.T) {
	_, _, kas := newTestKernelAS(t)

	base1, err := kas.Alloc(8192, Flags{Write: true})
	require.NoError(t, err)
	base2, err := kas.Alloc(4096, Flags{Write: true})
	require.NoError(t, err)
	require.True(t, base2 >= base1+8192 || base2+4096 <= base1)
	require.True(t, kas.VerifyIntegrity())

	err = kas.AllocAt(base1, 4096, Flags{Write: true})
	require.Error(t, err)
}

// P8: GetPhysical resolves a freshly allocated page to a physical frame
// inside the managed range, and a byte written to that frame through
// physmap.Memory reads back unchanged.
func TestInvariantP8Translation(t *testing.T) {
	mem, _, kas := newTestKernelAS(t)

	base, err := kas.Alloc(physmap.PageSize, Flags{Write: true})
	require.NoError(t, err)
	pa, err := kas.GetPhysical(base)
	require.NoError(t, err)

	b, err := mem.Bytes(pa, 4)
	require.NoError(t, err)
	b[0] = 0xAB

	b2, err := mem.Bytes(pa, 4)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), b2[0])
}

// P9: a failing multi-page allocation leaves no partial mapping or frame
// leak behind.
func TestInvariantP9RollbackOnFailure(t *testing.T) {
	start := physmap.Addr(0x3_500_000)
	end := physmap.Addr(0x3_503_000) // 3 pages total
	mem, err := physmap.NewMemory(start, int(end-start))
	require.NoError(t, err)
	p, err := pmm.New(mem, start, end, physmap.PageSize)
	require.NoError(t, err)
	kas, err := NewKernelAddressSpace(mem, p, 0xFFFFFFFF80000000, 0xFFFFFFFFC0000000)
	require.NoError(t, err)

	statsBefore := p.Stats()

	// request more pages than the 3-page arena can back, after the
	// allocator's own page-table bookkeeping has already consumed some.
	_, err = kas.Alloc(64*physmap.PageSize, Flags{Write: true})
	require.Error(t, err)

	statsAfter := p.Stats()
	require.Equal(t, statsBefore.Allocated, statsAfter.Allocated)
}

// scenario S3: a user address space shares the kernel's upper half; a
// page mapped into the kernel after the user AS was created is visible
// through the user AS's own walker once propagated.
func TestScenarioS3KernelHalfSharing(t *testing.T) {
	_, _, kas := newTestKernelAS(t)

	uas, err := NewUserAddressSpace(kas, 0, 0x0000800000000000)
	require.NoError(t, err)

	kernelBase, err := kas.Alloc(physmap.PageSize, Flags{Write: true})
	require.NoError(t, err)

	pa1, err := kas.GetPhysical(kernelBase)
	require.NoError(t, err)
	pa2, err := uas.GetPhysical(kernelBase)
	require.NoError(t, err)
	require.Equal(t, pa1, pa2)
}

func TestUserAllocIsolatedFromKernel(t *testing.T) {
	_, _, kas := newTestKernelAS(t)
	uas, err := NewUserAddressSpace(kas, 0, 0x0000800000000000)
	require.NoError(t, err)

	uBase, err := uas.Alloc(physmap.PageSize, Flags{Write: true, User: true})
	require.NoError(t, err)
	require.True(t, uBase < kernelHalfSlot<<39)

	_, err = kas.GetPhysical(uBase)
	require.Error(t, err)
}

func TestFreeAndResize(t *testing.T) {
	_, _, kas := newTestKernelAS(t)

	base, err := kas.Alloc(physmap.PageSize, Flags{Write: true})
	require.NoError(t, err)

	require.NoError(t, kas.Resize(base, 3*physmap.PageSize))
	obj, ok := kas.FindObject(base)
	require.True(t, ok)
	require.EqualValues(t, 3*physmap.PageSize, obj.Length)

	require.NoError(t, kas.Resize(base, physmap.PageSize))
	require.NoError(t, kas.Free(base))
	_, ok = kas.FindObject(base)
	require.False(t, ok)
}

// MMIO mappings are backed by the caller's physical range rather than a
// PMM frame (only the three page tables needed to map the page come from
// the PMM), and that range is never returned to the PMM on Free.
func TestMMIOAllocDoesNotTouchPMM(t *testing.T) {
	start := physmap.Addr(0x5_000_000)
	managedEnd := physmap.Addr(0x5_100_000)
	deviceBase := physmap.Addr(0x5_100_000)
	end := physmap.Addr(0x5_101_000)
	mem, err := physmap.NewMemory(start, int(end-start))
	require.NoError(t, err)
	p, err := pmm.New(mem, start, managedEnd, physmap.PageSize)
	require.NoError(t, err)
	kas, err := NewKernelAddressSpace(mem, p, 0xFFFFFFFF80000000, 0xFFFFFFFFC0000000)
	require.NoError(t, err)

	statsBefore := p.Stats()
	va, err := kas.AllocMMIO(physmap.PageSize, deviceBase, Flags{Write: true})
	require.NoError(t, err)
	require.Equal(t, statsBefore.Allocated+3*physmap.PageSize, p.Stats().Allocated)

	pa, err := kas.GetPhysical(va)
	require.NoError(t, err)
	require.Equal(t, deviceBase, pa)

	require.Error(t, kas.Resize(va, 2*physmap.PageSize))

	require.NoError(t, kas.Free(va))
	require.Equal(t, statsBefore.Allocated, p.Stats().Allocated)
	_, ok := kas.FindObject(va)
	require.False(t, ok)
}

func TestSwitchTracksCurrentAddressSpace(t *testing.T) {
	_, _, kas := newTestKernelAS(t)
	_, _, other := newTestKernelAS(t)

	Switch(kas)
	require.Same(t, kas, Current())
	require.Equal(t, kas.PML4(), Current().PML4())

	Switch(other)
	require.Same(t, other, Current())

	Switch(nil)
	require.Nil(t, Current())
}

func TestProtectChangesFlags(t *testing.T) {
	_, _, kas := newTestKernelAS(t)
	base, err := kas.Alloc(physmap.PageSize, Flags{Write: true})
	require.NoError(t, err)
	require.True(t, kas.CheckFlags(base, Flags{Write: true}))

	require.NoError(t, kas.Protect(base, Flags{Write: false}))
	require.False(t, kas.CheckFlags(base, Flags{Write: true}))
}
