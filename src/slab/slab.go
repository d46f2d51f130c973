// Package slab implements the per-type fixed-size object caches of
// spec.md §4.2: each slab is exactly one PMM page, cut into equal-size
// object slots and tracked on one of three lists (empty/partial/full)
// depending on how full it is. There is no slab allocator in the teacher
// kernel to adapt directly, but the representation follows its idiom:
// slab.Cache asks the PMM directly for pages (the same "SLAB asks PMM
// directly for one page per slab" relationship spec.md §2 draws), and the
// intra-slab freelist is an embedded singly linked list written through
// the page itself, the same trick as mem.Physpg_t.nexti.
package slab

import (
	"sync"
	"sync/atomic"

	"github.com/oichkatzele/corevm/src/kerrors"
	"github.com/oichkatzele/corevm/src/physmap"
	"github.com/oichkatzele/corevm/src/util"
)

const op = "slab"

const (
	slabMagic       uint32 = 0x51AB0001
	allocMagic      uint32 = 0xA110C001
	freeObjMagic    uint32 = 0xF4EE0BEC
	redZonePreMagic uint32 = 0xDEAD10CC
	redZonePost     uint32 = 0xC0FFEE11
)

// PhysAlloc is the capability SLAB needs from PMM: page allocation (spec.md
// §9's "trait-style capabilities" design note). Exercised by *pmm.Allocator.
type PhysAlloc interface {
	Alloc(size int) (physmap.Addr, error)
	Free(addr physmap.Addr, size int) error
}

// slabDescriptor is written into the first bytes of every slab page
// (spec.md §3.3): {magic, cache, in_use, capacity, freelist_head,
// list-links, backing_phys}.
type slabDescriptor struct {
	Magic        uint32
	_            uint32
	CacheID      uint64
	InUse        uint32
	Capacity     uint32
	FreelistHead physmap.Addr
	Prev, Next   physmap.Addr
	BackingPhys  physmap.Addr
}

// allocHeader precedes every allocated object's user payload (spec.md
// §3.3): {alloc_magic, cache_id, timestamp}. timestamp is a logical
// sequence number here (no wall clock dependency in the core).
type allocHeader struct {
	Magic   uint32
	_       uint32
	CacheID uint64
	Seq     uint64
}

// freeObject is written inside a free slot (spec.md §3.3): {free_magic,
// red_zone_pre, next_free, red_zone_post}.
type freeObject struct {
	Magic      uint32
	RedZonePre uint32
	NextFree   physmap.Addr
	RedZonePost uint32
	_          uint32
}

var nextCacheID uint64
var nextSeq uint64

// registry is the global cache list of spec.md §5/§9's g_caches: "one
// global linked list of caches", modeled as a process-wide singleton with
// an explicit Init/Shutdown contract rather than a package-level slice
// mutated from anywhere. Mutations go through the registry's own mutex,
// distinct from any one cache's internal state.
var registry = struct {
	mu     sync.Mutex
	online bool
	byName map[string]*Cache
}{byName: map[string]*Cache{}}

// Init brings the global cache registry online (spec.md §6.3, §9). A
// second call without an intervening Shutdown fails with ErrAlreadyInit,
// the same singleton discipline bootstrap.Init expects of every layer.
func Init() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.online {
		return kerrors.Sentinel(kerrors.ErrAlreadyInit, op+".Init")
	}
	registry.online = true
	registry.byName = map[string]*Cache{}
	return nil
}

// Shutdown tears down the registry's bookkeeping. It does not destroy any
// live cache (callers that want their backing pages returned to the PMM
// must call CacheDestroy themselves first); it only forgets them.
func Shutdown() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.online = false
	registry.byName = map[string]*Cache{}
}

// CacheFind looks up a previously created cache by its unique name
// (spec.md §6.3), returning ErrNotFound if none is registered under it.
func CacheFind(name string) (*Cache, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if !registry.online {
		return nil, kerrors.Sentinel(kerrors.ErrNotInit, op+".CacheFind")
	}
	c, ok := registry.byName[name]
	if !ok {
		return nil, kerrors.New(kerrors.ErrNotFound, op+".CacheFind", "no cache named %q", name)
	}
	return c, nil
}

// list identifies which of the three partition lists (spec.md §3.3) a
// slab currently belongs to.
type list int

const (
	listEmpty list = iota
	listPartial
	listFull
)

// Cache is a named allocator specialized for one object size.
type Cache struct {
	name     string
	id       uint64
	userSize int
	objSize  int
	align    int

	pmm PhysAlloc
	mem *physmap.Memory

	heads    [3]physmap.Addr // listEmpty, listPartial, listFull
	stats    Stats
}

// Stats reports cache-wide counters for diagnostics.
type Stats struct {
	Slabs       int
	ObjsInUse   int
	ObjsTotal   int
}

// CacheCreate constructs a cache for fixed-size objects of userSize bytes,
// aligned to align (a power of two; 0 means the spec.md default of 8).
// userSize must fit comfortably inside a page (spec.md §3.3: "user_size
// <= PAGE_SIZE/8"); larger requests must go straight to the PMM.
func CacheCreate(pmm PhysAlloc, mem *physmap.Memory, name string, userSize, align int) (*Cache, error) {
	if pmm == nil || mem == nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".CacheCreate", "nil backend")
	}
	if align == 0 {
		align = 8
	}
	if !util.IsPowerOfTwo(align) {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".CacheCreate", "align %d must be a power of two", align)
	}
	if userSize <= 0 || userSize > physmap.PageSize/8 {
		return nil, kerrors.New(kerrors.ErrBadSize, op+".CacheCreate", "user_size %d exceeds PAGE_SIZE/8", userSize)
	}
	allocHdrSize := int(util.Roundup(8+8+8, 8)) // Magic+pad, CacheID, Seq
	minFreeHdrSize := int(util.Roundup(4+4+8+4+4, 8))
	objSize := util.Roundup(util.Max(userSize+allocHdrSize, minFreeHdrSize), align)

	// Registration (and the name-uniqueness check spec.md §3.3 requires
	// of "name") only applies once the registry has been brought online
	// by Init: a cache built directly against a standalone PMM/physmap
	// pair (as every unit test in this package does) is not part of any
	// kernel's global cache list and is free to reuse names across
	// independent tests.
	registry.mu.Lock()
	if registry.online {
		if _, dup := registry.byName[name]; dup {
			registry.mu.Unlock()
			return nil, kerrors.New(kerrors.ErrInvalid, op+".CacheCreate", "cache %q already exists", name)
		}
	}
	registry.mu.Unlock()

	c := &Cache{
		name:     name,
		id:       atomic.AddUint64(&nextCacheID, 1),
		userSize: userSize,
		objSize:  objSize,
		align:    align,
		pmm:      pmm,
		mem:      mem,
	}
	for i := range c.heads {
		c.heads[i] = physmap.NoAddr
	}

	registry.mu.Lock()
	if registry.online {
		registry.byName[name] = c
	}
	registry.mu.Unlock()
	return c, nil
}

// CacheDestroy returns every slab in the cache to the PMM. Any objects
// still allocated from it are leaked from the cache's perspective (the
// caller is responsible for having freed them first).
func (c *Cache) CacheDestroy() error {
	for _, l := range []list{listEmpty, listPartial, listFull} {
		for c.heads[l] != physmap.NoAddr {
			sd, err := c.descriptorAt(c.heads[l])
			if err != nil {
				return err
			}
			next := sd.Next
			if err := c.pmm.Free(c.heads[l], physmap.PageSize); err != nil {
				return err
			}
			c.heads[l] = next
		}
	}
	registry.mu.Lock()
	if registry.byName[c.name] == c {
		delete(registry.byName, c.name)
	}
	registry.mu.Unlock()
	return nil
}

// Name returns the cache's unique name.
func (c *Cache) Name() string { return c.name }

// ID returns the cache's globally unique lifetime id.
func (c *Cache) ID() uint64 { return c.id }

func (c *Cache) descriptorAt(pa physmap.Addr) (*slabDescriptor, error) {
	p, err := c.mem.At(pa)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrOutOfRange, op, "%v", err)
	}
	return (*slabDescriptor)(p), nil
}

// metadataLayout returns the slab metadata size and per-slab capacity for
// this cache (spec.md §4.2).
func (c *Cache) metadataLayout() (metaSize, capacity int) {
	hdrSize := 64 // sizeof(slabDescriptor), generously rounded
	metaSize = int(util.Roundup(hdrSize, c.align))
	capacity = (physmap.PageSize - metaSize) / c.objSize
	return
}

// unlink removes pa from list l's chain.
func (c *Cache) unlink(l list, pa physmap.Addr, sd *slabDescriptor) error {
	if sd.Prev == physmap.NoAddr {
		c.heads[l] = sd.Next
	} else {
		p, err := c.descriptorAt(sd.Prev)
		if err != nil {
			return err
		}
		p.Next = sd.Next
	}
	if sd.Next != physmap.NoAddr {
		n, err := c.descriptorAt(sd.Next)
		if err != nil {
			return err
		}
		n.Prev = sd.Prev
	}
	sd.Prev, sd.Next = physmap.NoAddr, physmap.NoAddr
	return nil
}

// link pushes pa onto the front of list l.
func (c *Cache) link(l list, pa physmap.Addr, sd *slabDescriptor) error {
	sd.Prev = physmap.NoAddr
	sd.Next = c.heads[l]
	if sd.Next != physmap.NoAddr {
		n, err := c.descriptorAt(sd.Next)
		if err != nil {
			return err
		}
		n.Prev = pa
	}
	c.heads[l] = pa
	return nil
}

func (c *Cache) move(from, to list, pa physmap.Addr, sd *slabDescriptor) error {
	if err := c.unlink(from, pa, sd); err != nil {
		return err
	}
	return c.link(to, pa, sd)
}

func (c *Cache) slotAddr(slabPhys physmap.Addr, metaSize, idx int) physmap.Addr {
	return slabPhys + physmap.Addr(metaSize+idx*c.objSize)
}

// newSlab allocates a fresh PMM page, builds its freelist (spec.md
// §4.2: "Build the freelist by writing a free object header into each
// slot, linking them LIFO"), and pushes it onto the empty list.
func (c *Cache) newSlab() (physmap.Addr, *slabDescriptor, error) {
	metaSize, capacity := c.metadataLayout()
	if capacity <= 0 {
		return 0, nil, kerrors.New(kerrors.ErrBadSize, op+".Alloc", "object size %d too large for a page", c.objSize)
	}
	pa, err := c.pmm.Alloc(physmap.PageSize)
	if err != nil {
		return 0, nil, kerrors.New(kerrors.ErrNoMemory, op+".Alloc", "%v", err)
	}
	if err := c.mem.Zero(pa, physmap.PageSize); err != nil {
		return 0, nil, err
	}
	sd, err := c.descriptorAt(pa)
	if err != nil {
		return 0, nil, err
	}
	sd.Magic = slabMagic
	sd.CacheID = c.id
	sd.InUse = 0
	sd.Capacity = uint32(capacity)
	sd.BackingPhys = pa
	sd.FreelistHead = physmap.NoAddr

	for i := 0; i < capacity; i++ {
		slot := c.slotAddr(pa, metaSize, i)
		p, err := c.mem.At(slot)
		if err != nil {
			return 0, nil, err
		}
		fo := (*freeObject)(p)
		fo.Magic = freeObjMagic
		fo.RedZonePre = redZonePreMagic
		fo.RedZonePost = redZonePost
		fo.NextFree = sd.FreelistHead
		sd.FreelistHead = slot
	}

	if err := c.link(listEmpty, pa, sd); err != nil {
		return 0, nil, err
	}
	c.stats.Slabs++
	c.stats.ObjsTotal += capacity
	return pa, sd, nil
}

// Alloc returns a zero-filled object (spec.md §4.2), preferring a partial
// slab, then an empty one, then creating a fresh slab.
func (c *Cache) Alloc() (physmap.Addr, error) {
	var slabPhys physmap.Addr
	var sd *slabDescriptor
	var err error
	switch {
	case c.heads[listPartial] != physmap.NoAddr:
		slabPhys = c.heads[listPartial]
		sd, err = c.descriptorAt(slabPhys)
	case c.heads[listEmpty] != physmap.NoAddr:
		slabPhys = c.heads[listEmpty]
		sd, err = c.descriptorAt(slabPhys)
	default:
		slabPhys, sd, err = c.newSlab()
	}
	if err != nil {
		return 0, err
	}

	if sd.Magic != slabMagic || sd.CacheID != c.id {
		return 0, kerrors.New(kerrors.ErrCorruption, op+".Alloc", "bad slab descriptor at %#x", slabPhys)
	}
	slot := sd.FreelistHead
	if slot == physmap.NoAddr {
		return 0, kerrors.New(kerrors.ErrCorruption, op+".Alloc", "empty freelist on non-empty slab %#x", slabPhys)
	}
	p, err := c.mem.At(slot)
	if err != nil {
		return 0, err
	}
	fo := (*freeObject)(p)
	if fo.Magic != freeObjMagic || fo.RedZonePre != redZonePreMagic || fo.RedZonePost != redZonePost {
		return 0, kerrors.New(kerrors.ErrCorruption, op+".Alloc", "red zone mismatch at %#x", slot)
	}
	sd.FreelistHead = fo.NextFree

	if err := c.mem.Zero(slot, c.objSize); err != nil {
		return 0, err
	}

	ah := (*allocHeader)(p)
	ah.Magic = allocMagic
	ah.CacheID = c.id
	ah.Seq = atomic.AddUint64(&nextSeq, 1)

	allocHdrSize := int(util.Roundup(8+8+8, 8))
	userPtr := slot + physmap.Addr(allocHdrSize)

	wasEmpty := sd.InUse == 0
	sd.InUse++
	if wasEmpty {
		if err := c.move(listEmpty, listPartial, slabPhys, sd); err != nil {
			return 0, err
		}
	}
	if sd.InUse == sd.Capacity {
		if err := c.move(listPartial, listFull, slabPhys, sd); err != nil {
			return 0, err
		}
	}
	c.stats.ObjsInUse++
	return userPtr, nil
}

// Free reverses Alloc (spec.md §4.2). It validates that userPtr genuinely
// came from this cache before touching any shared state, so isolation
// (P5) holds even under a confused caller.
func (c *Cache) Free(userPtr physmap.Addr) error {
	allocHdrSize := physmap.Addr(util.Roundup(8+8+8, 8))
	if userPtr < allocHdrSize {
		return kerrors.New(kerrors.ErrInvalid, op+".Free", "bad pointer %#x", userPtr)
	}
	slot := userPtr - allocHdrSize
	slabPhys := physmap.PageAlign(slot)

	sd, err := c.descriptorAt(slabPhys)
	if err != nil {
		return err
	}
	if sd.Magic != slabMagic {
		return kerrors.New(kerrors.ErrNotFound, op+".Free", "no slab at %#x", slabPhys)
	}
	p, err := c.mem.At(slot)
	if err != nil {
		return err
	}
	ah := (*allocHeader)(p)
	if ah.Magic != allocMagic {
		// double free or never-allocated: detected, state untouched.
		return kerrors.New(kerrors.ErrCorruption, op+".Free", "object at %#x is not allocated", userPtr)
	}
	if ah.CacheID != c.id || sd.CacheID != c.id {
		return kerrors.New(kerrors.ErrNotFound, op+".Free", "object at %#x belongs to a different cache", userPtr)
	}

	fo := (*freeObject)(p)
	fo.Magic = freeObjMagic
	fo.RedZonePre = redZonePreMagic
	fo.RedZonePost = redZonePost
	fo.NextFree = sd.FreelistHead
	sd.FreelistHead = slot

	wasFull := sd.InUse == sd.Capacity
	sd.InUse--
	c.stats.ObjsInUse--

	if wasFull {
		if err := c.move(listFull, listPartial, slabPhys, sd); err != nil {
			return err
		}
	}
	if sd.InUse == 0 {
		if err := c.move(listPartial, listEmpty, slabPhys, sd); err != nil {
			return err
		}
		// Policy: keep at most one empty slab per cache (spec.md §4.2).
		if c.heads[listEmpty] != slabPhys || sd.Next != physmap.NoAddr {
			return c.reapExtraEmpty()
		}
	}
	return nil
}

// reapExtraEmpty returns every empty slab but the most-recently-freed one
// to the PMM.
func (c *Cache) reapExtraEmpty() error {
	keep := c.heads[listEmpty]
	if keep == physmap.NoAddr {
		return nil
	}
	sd, err := c.descriptorAt(keep)
	if err != nil {
		return err
	}
	surplus := sd.Next
	sd.Next = physmap.NoAddr
	for surplus != physmap.NoAddr {
		s, err := c.descriptorAt(surplus)
		if err != nil {
			return err
		}
		next := s.Next
		if err := c.pmm.Free(surplus, physmap.PageSize); err != nil {
			return err
		}
		c.stats.Slabs--
		capacity := int(s.Capacity)
		c.stats.ObjsTotal -= capacity
		surplus = next
	}
	return nil
}

// Stats returns the cache's current counters.
func (c *Cache) Stats() Stats { return c.stats }

// VerifyIntegrity checks P4: list membership matches in_use, freelist
// length equals capacity-in_use, and every slab's cache back-pointer is
// correct (spec.md §4.2).
func (c *Cache) VerifyIntegrity() bool {
	check := func(l list, wantMembership func(inUse, cap uint32) bool) bool {
		cur := c.heads[l]
		for cur != physmap.NoAddr {
			sd, err := c.descriptorAt(cur)
			if err != nil || sd.Magic != slabMagic || sd.CacheID != c.id {
				return false
			}
			if !wantMembership(sd.InUse, sd.Capacity) {
				return false
			}
			n := 0
			slot := sd.FreelistHead
			for slot != physmap.NoAddr {
				p, err := c.mem.At(slot)
				if err != nil {
					return false
				}
				fo := (*freeObject)(p)
				if fo.Magic != freeObjMagic || fo.RedZonePre != redZonePreMagic || fo.RedZonePost != redZonePost {
					return false
				}
				n++
				slot = fo.NextFree
				if n > int(sd.Capacity) {
					return false
				}
			}
			if uint32(n) != sd.Capacity-sd.InUse {
				return false
			}
			cur = sd.Next
		}
		return true
	}
	return check(listEmpty, func(in, cap uint32) bool { return in == 0 }) &&
		check(listPartial, func(in, cap uint32) bool { return in > 0 && in < cap }) &&
		check(listFull, func(in, cap uint32) bool { return in == cap })
}
