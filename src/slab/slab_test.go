package slab

import (
	"testing"

	"github.com/oichkatzele/corevm/src/physmap"
	"github.com/oichkatzele/corevm/src/pmm"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, userSize, align int) (*physmap.Memory, *pmm.Allocator, *Cache) {
	t.Helper()
	start := physmap.Addr(0x2_000_000)
	end := physmap.Addr(0x2_100_000)
	mem, err := physmap.NewMemory(start, int(end-start))
	require.NoError(t, err)
	p, err := pmm.New(mem, start, end, physmap.PageSize)
	require.NoError(t, err)
	c, err := CacheCreate(p, mem, "test-cache", userSize, align)
	require.NoError(t, err)
	return mem, p, c
}

// P4: every slab belongs to exactly one of the empty/partial/full lists,
// consistent with its in-use count.
func TestInvariantP4ListPartition(t *testing.T) {
	_, _, c := newTestCache(t, 64, 8)

	_, capacity := c.metadataLayout()
	require.Greater(t, capacity, 1)

	var objs []physmap.Addr
	for i := 0; i < capacity+1; i++ {
		o, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, o)
	}
	require.True(t, c.VerifyIntegrity())
	st := c.Stats()
	require.Equal(t, 2, st.Slabs)
	require.Equal(t, capacity+1, st.ObjsInUse)

	for _, o := range objs {
		require.NoError(t, c.Free(o))
	}
	require.True(t, c.VerifyIntegrity())
	require.Equal(t, 0, c.Stats().ObjsInUse)
}

// scenario S2: allocate to exhaustion across several slabs, free every
// other object to fragment, then confirm further allocations are served
// from partial slabs before any new slab is created.
func TestScenarioS2FragmentationRefill(t *testing.T) {
	_, _, c := newTestCache(t, 64, 8)
	_, capacity := c.metadataLayout()

	total := capacity*2 + 3
	var objs []physmap.Addr
	for i := 0; i < total; i++ {
		o, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, o)
	}
	slabsAfterFill := c.Stats().Slabs

	for i := 0; i < len(objs); i += 2 {
		require.NoError(t, c.Free(objs[i]))
	}
	require.True(t, c.VerifyIntegrity())

	for i := 0; i < capacity/2; i++ {
		_, err := c.Alloc()
		require.NoError(t, err)
	}
	require.Equal(t, slabsAfterFill, c.Stats().Slabs)
	require.True(t, c.VerifyIntegrity())
}

// P5: two caches never observe each other's objects; freeing through the
// wrong cache is rejected.
func TestInvariantP5Isolation(t *testing.T) {
	mem, p, c1 := newTestCache(t, 32, 8)
	c2, err := CacheCreate(p, mem, "other-cache", 32, 8)
	require.NoError(t, err)

	o1, err := c1.Alloc()
	require.NoError(t, err)

	err = c2.Free(o1)
	require.Error(t, err)
	require.NoError(t, c1.Free(o1))
}

// P6: freshly allocated objects are zero-filled.
func TestInvariantP6Zeroing(t *testing.T) {
	mem, _, c := newTestCache(t, 64, 8)
	o1, err := c.Alloc()
	require.NoError(t, err)
	dirty, err := mem.Bytes(o1, 64)
	require.NoError(t, err)
	for i := range dirty {
		dirty[i] = 0xFF
	}
	require.NoError(t, c.Free(o1))
	o2, err := c.Alloc()
	require.NoError(t, err)
	require.Equal(t, o1, o2)
	b, err := mem.Bytes(o2, 64)
	require.NoError(t, err)
	for _, v := range b {
		require.Zero(t, v)
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	_, _, c := newTestCache(t, 64, 8)
	o, err := c.Alloc()
	require.NoError(t, err)
	require.NoError(t, c.Free(o))
	err = c.Free(o)
	require.Error(t, err)
}

func TestRegistryFindAndDuplicateName(t *testing.T) {
	mem, p, err := func() (*physmap.Memory, *pmm.Allocator, error) {
		start := physmap.Addr(0x3_000_000)
		end := physmap.Addr(0x3_100_000)
		m, err := physmap.NewMemory(start, int(end-start))
		require.NoError(t, err)
		pm, err := pmm.New(m, start, end, physmap.PageSize)
		return m, pm, err
	}()
	require.NoError(t, err)

	require.NoError(t, Init())
	defer Shutdown()

	c, err := CacheCreate(p, mem, "registry-cache", 32, 8)
	require.NoError(t, err)

	found, err := CacheFind("registry-cache")
	require.NoError(t, err)
	require.Same(t, c, found)

	_, err = CacheCreate(p, mem, "registry-cache", 64, 8)
	require.Error(t, err)

	require.NoError(t, c.CacheDestroy())
	_, err = CacheFind("registry-cache")
	require.Error(t, err)
}

func TestInitTwiceFailsWithoutShutdown(t *testing.T) {
	require.NoError(t, Init())
	defer Shutdown()
	err := Init()
	require.Error(t, err)
}

func TestCacheDestroyReleasesPages(t *testing.T) {
	_, p, c := newTestCache(t, 64, 8)
	_, err := c.Alloc()
	require.NoError(t, err)
	require.NoError(t, c.CacheDestroy())
	st := p.Stats()
	require.EqualValues(t, 0, st.Allocated)
}
