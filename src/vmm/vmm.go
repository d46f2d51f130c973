package vmm

import (
	"sort"
	"sync"

	"github.com/oichkatzele/corevm/src/irqlock"
	"github.com/oichkatzele/corevm/src/kerrors"
	"github.com/oichkatzele/corevm/src/physmap"
)

const asMagic uint32 = 0x41530001
const objMagic uint32 = 0x0B390001

// kernelHalfSlot is the PML4 index at which the kernel half begins
// (spec.md §3.4: "entries 256..511 of every address space's PML4 are the
// shared kernel half"), mirroring dmap.go's VUSER/VEND split of the
// 512-entry top level into a low user region and a high kernel region.
const kernelHalfSlot = 256

// Flags are the permission/attribute bits a caller requests for a
// mapping, translated to PTE bits by toPTE. MMIO is not itself a PTE bit
// (spec.md §3.4, §4.3): it only changes where Alloc sources the backing
// physical range (the caller's supplied base instead of a fresh PMM
// allocation) and whether Free returns that range to the PMM.
type Flags struct {
	Write  bool
	User   bool
	NoExec bool
	MMIO   bool
}

func (f Flags) toPTE() uint64 {
	var v uint64
	if f.Write {
		v |= PteW
	}
	if f.User {
		v |= PteU
	}
	if f.NoExec {
		v |= PteNX
	}
	return v
}

func fromPTE(v uint64) Flags {
	return Flags{
		Write:  v&PteW != 0,
		User:   v&PteU != 0,
		NoExec: v&PteNX != 0,
	}
}

// pteFlags converts flags to PTE bits for as, forcing PteU off for the
// kernel address space regardless of what the caller requested: the
// kernel half is never directly user-accessible (spec.md §4.3).
func (as *AddressSpace) pteFlags(flags Flags) uint64 {
	v := flags.toPTE()
	if as.isKernel {
		v &^= PteU
	}
	return v
}

// VMObject is one reservation within an address space's sorted object
// list (spec.md §3.4), the same role vm.Vminfo_t plays in the teacher's
// Vmregion_t, minus the file-backing variants this core doesn't model.
type VMObject struct {
	magic  uint32
	Base   uint64
	Length uint64
	Flags  Flags
}

// isMMIO reports whether obj's backing physical range is caller-supplied
// and must never be returned to the PMM (spec.md §3.4).
func (obj *VMObject) isMMIO() bool { return obj.Flags.MMIO }

// AddressSpace is one virtual address space: a PML4 root plus the sorted
// list of regions carved out of it (spec.md §3.4), grounded on vm.Vm_t.
type AddressSpace struct {
	magic    uint32
	mem      *physmap.Memory
	pf       physFrames
	pml4     physmap.Addr
	objects  []*VMObject
	allocLo  uint64
	allocHi  uint64
	isKernel bool
	lock     *irqlock.Lock

	kernel   *AddressSpace   // nil for the kernel AS itself
	children []*AddressSpace // populated only on the kernel AS
}

// NewKernelAddressSpace creates the address space whose upper half
// (kernelHalfSlot..511) every later user address space shares (spec.md
// §3.4, §4.3). allocLo/allocHi bound the kernel's own allocatable range
// within its half.
func NewKernelAddressSpace(mem *physmap.Memory, pf physFrames, allocLo, allocHi uint64) (*AddressSpace, error) {
	return newAddressSpace(mem, pf, nil, allocLo, allocHi, true)
}

// NewUserAddressSpace creates a user address space sharing kernel's
// upper-half mapping at construction time: the kernelHalfSlot..511 PML4
// entries are copied by value from kernel, so both address spaces' page
// walkers reach the identical child tables (spec.md §4.3 "kernel half is
// shared, not copied"). Any subsequent kernel-half mutation performed
// through kernel is propagated back into every live child automatically.
func NewUserAddressSpace(kernel *AddressSpace, allocLo, allocHi uint64) (*AddressSpace, error) {
	if kernel == nil || !kernel.isKernel {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".NewUserAddressSpace", "kernel address space required")
	}
	as, err := newAddressSpace(kernel.mem, kernel.pf, kernel, allocLo, allocHi, false)
	if err != nil {
		return nil, err
	}
	if err := as.refreshKernelHalf(); err != nil {
		return nil, err
	}
	kernel.children = append(kernel.children, as)
	return as, nil
}

// current tracks which address space this single CPU core has
// installed (spec.md §6.3's switch(as)/kernel_get()). There being no
// real CR3 register in this simulated core, "installing" an address
// space is exactly this bookkeeping write: every later translation a
// caller performs still goes directly through the AddressSpace it
// holds, the same as before switching, since this package has no
// implicit "current" lookup path of its own.
var current struct {
	mu sync.Mutex
	as *AddressSpace
}

// Switch installs as as the address space this core now runs under.
// Passing nil is valid (no address space installed, e.g. during early
// bring-up before the kernel AS exists).
func Switch(as *AddressSpace) {
	current.mu.Lock()
	current.as = as
	current.mu.Unlock()
}

// Current returns whatever AddressSpace was last installed by Switch,
// or nil if none has been.
func Current() *AddressSpace {
	current.mu.Lock()
	defer current.mu.Unlock()
	return current.as
}

// PML4 returns the physical address of as's top-level page table, the
// value a real switch(as) would load into CR3.
func (as *AddressSpace) PML4() physmap.Addr { return as.pml4 }

func newAddressSpace(mem *physmap.Memory, pf physFrames, kernel *AddressSpace, allocLo, allocHi uint64, isKernel bool) (*AddressSpace, error) {
	if mem == nil || pf == nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op, "nil backend")
	}
	if allocHi <= allocLo {
		return nil, kerrors.New(kerrors.ErrInvalid, op, "empty allocation range")
	}
	pml4, err := newTable(mem, pf)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		magic:    asMagic,
		mem:      mem,
		pf:       pf,
		pml4:     pml4,
		allocLo:  allocLo,
		allocHi:  allocHi,
		isKernel: isKernel,
		lock:     irqlock.New(),
		kernel:   kernel,
	}, nil
}

// refreshKernelHalf copies kernel's current upper-half PML4 entries into
// as. Called once at creation and again whenever the kernel address
// space's own mappings change (propagateKernelHalf).
func (as *AddressSpace) refreshKernelHalf() error {
	kTbl, err := tableAt(as.mem, as.kernel.pml4)
	if err != nil {
		return err
	}
	myTbl, err := tableAt(as.mem, as.pml4)
	if err != nil {
		return err
	}
	for i := kernelHalfSlot; i < entriesPerTable; i++ {
		myTbl.entries[i] = kTbl.entries[i]
	}
	return nil
}

// propagateKernelHalf re-syncs every registered child after a kernel-AS
// mapping mutation. Only meaningful on the kernel address space.
func (as *AddressSpace) propagateKernelHalf() error {
	if !as.isKernel {
		return nil
	}
	for _, child := range as.children {
		if err := child.refreshKernelHalf(); err != nil {
			return err
		}
	}
	return nil
}

// Destroy tears down every mapping and page table page owned by as and
// returns their physical frames to the backing allocator (spec.md §4.3,
// grounded on vm.Vm_t.Uvmfree/Dec_pmap). The kernel address space itself
// is never destroyed by a running system; Destroy is for user and
// short-lived address spaces only.
func (as *AddressSpace) Destroy() error {
	if as.isKernel {
		return kerrors.New(kerrors.ErrInvalid, op+".Destroy", "kernel address space cannot be destroyed")
	}
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	for _, obj := range as.objects {
		if err := as.unmapAndFreeLocked(obj.Base, pagesFor(obj.Length), obj.isMMIO()); err != nil {
			return err
		}
	}
	as.objects = nil

	if err := as.freeTableLevel(as.pml4, 3, 0, kernelHalfSlot); err != nil {
		return err
	}
	if k := as.kernel; k != nil {
		for i, child := range k.children {
			if child == as {
				k.children = append(k.children[:i], k.children[i+1:]...)
				break
			}
		}
	}
	return as.pf.Free(as.pml4, physmap.PageSize)
}

// freeTableLevel recursively frees page table pages strictly below the
// top level's [lo,hi) entry range, never touching the shared kernel half
// or the table page passed in by the caller (which the caller frees).
func (as *AddressSpace) freeTableLevel(phys physmap.Addr, depth, lo, hi int) error {
	if depth == 0 {
		return nil
	}
	tbl, err := tableAt(as.mem, phys)
	if err != nil {
		return err
	}
	for i := lo; i < hi; i++ {
		e := tbl.entries[i]
		if e&PteP == 0 {
			continue
		}
		child := physmap.Addr(e & addrMask)
		if err := as.freeTableLevel(child, depth-1, 0, entriesPerTable); err != nil {
			return err
		}
		if err := as.pf.Free(child, physmap.PageSize); err != nil {
			return err
		}
		tbl.entries[i] = 0
	}
	return nil
}

// objectIndex returns the position in the sorted object list at or after
// base, and whether an object starts exactly there.
func (as *AddressSpace) objectIndex(base uint64) (int, bool) {
	i := sort.Search(len(as.objects), func(i int) bool { return as.objects[i].Base >= base })
	return i, i < len(as.objects) && as.objects[i].Base == base
}

// overlaps reports whether [base,base+length) intersects any existing
// object, the non-overlap invariant spec.md §8's P7 demands.
func (as *AddressSpace) overlaps(base, length uint64) bool {
	end := base + length
	i, _ := as.objectIndex(base)
	if i > 0 {
		prev := as.objects[i-1]
		if prev.Base+prev.Length > base {
			return true
		}
	}
	if i < len(as.objects) && as.objects[i].Base < end {
		return true
	}
	return false
}

// findGap scans [allocLo,allocHi) for the first hole of at least length
// bytes, grounded on vm.Vm_t.Unusedva_inner/Vmregion_t.empty.
func (as *AddressSpace) findGap(length uint64) (uint64, error) {
	cursor := as.allocLo
	for _, obj := range as.objects {
		if obj.Base >= cursor+length {
			break
		}
		if obj.Base+obj.Length > cursor {
			cursor = obj.Base + obj.Length
		}
	}
	if cursor+length > as.allocHi {
		return 0, kerrors.New(kerrors.ErrOutOfRange, op+".Alloc", "no %d-byte gap in [%#x,%#x)", length, as.allocLo, as.allocHi)
	}
	return cursor, nil
}

func pagesFor(length uint64) int {
	return int((length + physmap.PageSize - 1) / physmap.PageSize)
}

// Alloc reserves length bytes (rounded up to a whole number of pages)
// somewhere in the address space's allocatable range, eagerly backing
// every page with a freshly allocated physical frame (spec.md §4.3).
// flags.MMIO must be false; use AllocMMIO for caller-supplied physical
// ranges.
func (as *AddressSpace) Alloc(length int, flags Flags) (uint64, error) {
	if flags.MMIO {
		return 0, kerrors.New(kerrors.ErrInvalid, op+".Alloc", "use AllocMMIO for MMIO mappings")
	}
	if length <= 0 {
		return 0, kerrors.New(kerrors.ErrBadSize, op+".Alloc", "length %d must be positive", length)
	}
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	npages := pagesFor(uint64(length))
	base, err := as.findGap(uint64(npages) * physmap.PageSize)
	if err != nil {
		return 0, err
	}
	if err := as.commitLocked(base, npages, flags, 0); err != nil {
		return 0, err
	}
	return base, nil
}

// AllocAt is Alloc at a caller-specified base, failing with
// ErrAlreadyMapped if it would overlap an existing object.
func (as *AddressSpace) AllocAt(base uint64, length int, flags Flags) error {
	if flags.MMIO {
		return kerrors.New(kerrors.ErrInvalid, op+".AllocAt", "use AllocAtMMIO for MMIO mappings")
	}
	if length <= 0 {
		return kerrors.New(kerrors.ErrBadSize, op+".AllocAt", "length %d must be positive", length)
	}
	if physmap.Addr(base)&physmap.PageMask != 0 {
		return kerrors.New(kerrors.ErrNotAligned, op+".AllocAt", "base %#x not page aligned", base)
	}
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	npages := pagesFor(uint64(length))
	if as.overlaps(base, uint64(npages)*physmap.PageSize) {
		return kerrors.New(kerrors.ErrAlreadyMapped, op+".AllocAt", "[%#x,%#x) overlaps an existing object", base, base+uint64(npages)*physmap.PageSize)
	}
	return as.commitLocked(base, npages, flags, 0)
}

// AllocMMIO reserves length bytes backed by the caller-supplied physical
// base physBase instead of a fresh PMM allocation (spec.md §4.3: "for
// MMIO, arg is the caller-supplied physical base"). No PMM frame is
// allocated for the backing itself (any intermediate page table the
// mapping needs still comes from the PMM), and Free/Destroy never return
// this range to the PMM.
func (as *AddressSpace) AllocMMIO(length int, physBase physmap.Addr, flags Flags) (uint64, error) {
	if length <= 0 {
		return 0, kerrors.New(kerrors.ErrBadSize, op+".AllocMMIO", "length %d must be positive", length)
	}
	if physBase&physmap.PageMask != 0 {
		return 0, kerrors.New(kerrors.ErrNotAligned, op+".AllocMMIO", "phys base %#x not page aligned", physBase)
	}
	flags.MMIO = true
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	npages := pagesFor(uint64(length))
	base, err := as.findGap(uint64(npages) * physmap.PageSize)
	if err != nil {
		return 0, err
	}
	if err := as.commitLocked(base, npages, flags, physBase); err != nil {
		return 0, err
	}
	return base, nil
}

// AllocAtMMIO is AllocMMIO at a caller-specified virtual base.
func (as *AddressSpace) AllocAtMMIO(base uint64, length int, physBase physmap.Addr, flags Flags) error {
	if length <= 0 {
		return kerrors.New(kerrors.ErrBadSize, op+".AllocAtMMIO", "length %d must be positive", length)
	}
	if physmap.Addr(base)&physmap.PageMask != 0 {
		return kerrors.New(kerrors.ErrNotAligned, op+".AllocAtMMIO", "base %#x not page aligned", base)
	}
	if physBase&physmap.PageMask != 0 {
		return kerrors.New(kerrors.ErrNotAligned, op+".AllocAtMMIO", "phys base %#x not page aligned", physBase)
	}
	flags.MMIO = true
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	npages := pagesFor(uint64(length))
	if as.overlaps(base, uint64(npages)*physmap.PageSize) {
		return kerrors.New(kerrors.ErrAlreadyMapped, op+".AllocAtMMIO", "[%#x,%#x) overlaps an existing object", base, base+uint64(npages)*physmap.PageSize)
	}
	return as.commitLocked(base, npages, flags, physBase)
}

// commitLocked maps npages pages starting at base, rolling back every
// partial mapping and frame if any step fails (spec.md §8's P9). When
// flags.MMIO is set, physBase supplies the backing physical range
// directly and no PMM allocation is made per page; otherwise physBase is
// ignored and a fresh frame is allocated for every page.
func (as *AddressSpace) commitLocked(base uint64, npages int, flags Flags, physBase physmap.Addr) error {
	mapped := 0
	var created []createdTable
	rollback := func() {
		for i := 0; i < mapped; i++ {
			va := base + uint64(i)*physmap.PageSize
			if pa, err := unmapPageRaw(as.mem, as.pf, as.pml4, va); err == nil && !flags.MMIO {
				_ = as.pf.Free(pa, physmap.PageSize)
			}
		}
		_ = pruneEmptyCreated(as.mem, as.pf, created)
	}
	for i := 0; i < npages; i++ {
		va := base + uint64(i)*physmap.PageSize
		var pa physmap.Addr
		if flags.MMIO {
			pa = physBase + physmap.Addr(i)*physmap.PageSize
		} else {
			var err error
			pa, err = as.pf.Alloc(physmap.PageSize)
			if err != nil {
				rollback()
				return kerrors.New(kerrors.ErrNoMemory, op+".Alloc", "%v", err)
			}
			if err := as.mem.Zero(pa, physmap.PageSize); err != nil {
				_ = as.pf.Free(pa, physmap.PageSize)
				rollback()
				return err
			}
		}
		if err := mapPageRaw(as.mem, as.pf, as.pml4, va, pa, as.pteFlags(flags), &created); err != nil {
			if !flags.MMIO {
				_ = as.pf.Free(pa, physmap.PageSize)
			}
			rollback()
			return err
		}
		mapped++
	}
	if as.isKernel {
		if err := as.propagateKernelHalf(); err != nil {
			rollback()
			return err
		}
	}
	obj := &VMObject{magic: objMagic, Base: base, Length: uint64(npages) * physmap.PageSize, Flags: flags}
	i, _ := as.objectIndex(base)
	as.objects = append(as.objects, nil)
	copy(as.objects[i+1:], as.objects[i:])
	as.objects[i] = obj
	return nil
}

// unmapAndFreeLocked unmaps npages pages starting at base, returning
// their frames to the backing allocator unless mmio is set (spec.md
// §4.3: MMIO backing is caller-owned and never returned to the PMM).
func (as *AddressSpace) unmapAndFreeLocked(base uint64, npages int, mmio bool) error {
	for i := 0; i < npages; i++ {
		va := base + uint64(i)*physmap.PageSize
		pa, err := unmapPageRaw(as.mem, as.pf, as.pml4, va)
		if err != nil {
			return err
		}
		if mmio {
			continue
		}
		if err := as.pf.Free(pa, physmap.PageSize); err != nil {
			return err
		}
	}
	return nil
}

// Free releases the object starting exactly at base (spec.md §4.3).
func (as *AddressSpace) Free(base uint64) error {
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	i, exact := as.objectIndex(base)
	if !exact {
		return kerrors.New(kerrors.ErrNotFound, op+".Free", "no object based at %#x", base)
	}
	obj := as.objects[i]
	if err := as.unmapAndFreeLocked(obj.Base, pagesFor(obj.Length), obj.isMMIO()); err != nil {
		return err
	}
	as.objects = append(as.objects[:i], as.objects[i+1:]...)
	if as.isKernel {
		return as.propagateKernelHalf()
	}
	return nil
}

// Resize grows or shrinks the object based at base to newLength bytes,
// in whole pages, rolling back on partial failure while growing.
func (as *AddressSpace) Resize(base uint64, newLength int) error {
	if newLength <= 0 {
		return kerrors.New(kerrors.ErrBadSize, op+".Resize", "length %d must be positive", newLength)
	}
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	i, exact := as.objectIndex(base)
	if !exact {
		return kerrors.New(kerrors.ErrNotFound, op+".Resize", "no object based at %#x", base)
	}
	obj := as.objects[i]
	if obj.isMMIO() {
		return kerrors.New(kerrors.ErrInvalid, op+".Resize", "MMIO objects are not resizable")
	}
	oldPages := pagesFor(obj.Length)
	newPages := pagesFor(uint64(newLength))

	switch {
	case newPages == oldPages:
		obj.Length = uint64(newLength)
		return nil
	case newPages < oldPages:
		shrinkBase := base + uint64(newPages)*physmap.PageSize
		if err := as.unmapAndFreeLocked(shrinkBase, oldPages-newPages, false); err != nil {
			return err
		}
		obj.Length = uint64(newLength)
		return nil
	default:
		growBase := base + uint64(oldPages)*physmap.PageSize
		growPages := newPages - oldPages
		if as.overlaps(growBase, uint64(growPages)*physmap.PageSize) {
			return kerrors.New(kerrors.ErrAlreadyMapped, op+".Resize", "growth region overlaps another object")
		}
		mapped := 0
		var created []createdTable
		rollback := func() {
			for k := 0; k < mapped; k++ {
				v := growBase + uint64(k)*physmap.PageSize
				if p, e := unmapPageRaw(as.mem, as.pf, as.pml4, v); e == nil {
					_ = as.pf.Free(p, physmap.PageSize)
				}
			}
			_ = pruneEmptyCreated(as.mem, as.pf, created)
		}
		for j := 0; j < growPages; j++ {
			va := growBase + uint64(j)*physmap.PageSize
			pa, err := as.pf.Alloc(physmap.PageSize)
			if err != nil {
				rollback()
				return kerrors.New(kerrors.ErrNoMemory, op+".Resize", "%v", err)
			}
			_ = as.mem.Zero(pa, physmap.PageSize)
			if err := mapPageRaw(as.mem, as.pf, as.pml4, va, pa, as.pteFlags(obj.Flags), &created); err != nil {
				_ = as.pf.Free(pa, physmap.PageSize)
				rollback()
				return err
			}
			mapped++
		}
		obj.Length = uint64(newLength)
		if as.isKernel {
			return as.propagateKernelHalf()
		}
		return nil
	}
}

// Protect updates the permission flags of every page in the object based
// at base, both in its VMObject record and in every live PTE.
func (as *AddressSpace) Protect(base uint64, flags Flags) error {
	c := as.lock.Acquire()
	defer as.lock.Release(c)

	i, exact := as.objectIndex(base)
	if !exact {
		return kerrors.New(kerrors.ErrNotFound, op+".Protect", "no object based at %#x", base)
	}
	obj := as.objects[i]
	for p := 0; p < pagesFor(obj.Length); p++ {
		va := base + uint64(p)*physmap.PageSize
		ptPhys, err := walkCreate(as.mem, nil, as.pml4, va, false, nil)
		if err != nil {
			return err
		}
		pte, err := ptEntry(as.mem, ptPhys, va)
		if err != nil {
			return err
		}
		pa := *pte & addrMask
		*pte = pa | as.pteFlags(flags) | PteP
	}
	obj.Flags = flags
	if as.isKernel {
		return as.propagateKernelHalf()
	}
	return nil
}

// MapPage installs a single caller-chosen physical frame at va, for
// callers that manage their own frame lifetime outside of Alloc/Free.
func (as *AddressSpace) MapPage(va uint64, pa physmap.Addr, flags Flags) error {
	c := as.lock.Acquire()
	defer as.lock.Release(c)
	if err := mapPageRaw(as.mem, as.pf, as.pml4, va, pa, as.pteFlags(flags), nil); err != nil {
		return err
	}
	if as.isKernel {
		return as.propagateKernelHalf()
	}
	return nil
}

// UnmapPage removes a single mapping installed by MapPage, without
// returning its frame to the allocator (the caller still owns it).
func (as *AddressSpace) UnmapPage(va uint64) (physmap.Addr, error) {
	c := as.lock.Acquire()
	defer as.lock.Release(c)
	pa, err := unmapPageRaw(as.mem, as.pf, as.pml4, va)
	if err != nil {
		return 0, err
	}
	if as.isKernel {
		if err := as.propagateKernelHalf(); err != nil {
			return 0, err
		}
	}
	return pa, nil
}

// MapRange maps npages consecutive pages starting at pa to consecutive
// virtual pages starting at va, e.g. the boot-time physmap linear
// mapping itself.
func (as *AddressSpace) MapRange(va uint64, pa physmap.Addr, length int, flags Flags) error {
	npages := pagesFor(uint64(length))
	for i := 0; i < npages; i++ {
		v := va + uint64(i)*physmap.PageSize
		p := pa + physmap.Addr(i)*physmap.PageSize
		if err := as.MapPage(v, p, flags); err != nil {
			for j := 0; j < i; j++ {
				_, _ = as.UnmapPage(va + uint64(j)*physmap.PageSize)
			}
			return err
		}
	}
	return nil
}

// UnmapRange is the inverse of MapRange.
func (as *AddressSpace) UnmapRange(va uint64, length int) error {
	npages := pagesFor(uint64(length))
	for i := 0; i < npages; i++ {
		if _, err := as.UnmapPage(va + uint64(i)*physmap.PageSize); err != nil {
			return err
		}
	}
	return nil
}

// GetPhysical translates va to its currently mapped physical address
// (spec.md §8's P8).
func (as *AddressSpace) GetPhysical(va uint64) (physmap.Addr, error) {
	c := as.lock.Acquire()
	defer as.lock.Release(c)
	pa, _, err := translateRaw(as.mem, as.pml4, va)
	return pa, err
}

// CheckFlags reports whether va is mapped with at least the requested
// permissions.
func (as *AddressSpace) CheckFlags(va uint64, want Flags) bool {
	c := as.lock.Acquire()
	defer as.lock.Release(c)
	_, raw, err := translateRaw(as.mem, as.pml4, va)
	if err != nil {
		return false
	}
	have := fromPTE(raw)
	if want.Write && !have.Write {
		return false
	}
	if want.User && !have.User {
		return false
	}
	if want.NoExec && !have.NoExec {
		return false
	}
	return true
}

// FindObject returns the object covering va, if any.
func (as *AddressSpace) FindObject(va uint64) (*VMObject, bool) {
	c := as.lock.Acquire()
	defer as.lock.Release(c)
	i := sort.Search(len(as.objects), func(i int) bool { return as.objects[i].Base+as.objects[i].Length > va })
	if i < len(as.objects) && as.objects[i].Base <= va {
		return as.objects[i], true
	}
	return nil, false
}

// VerifyIntegrity checks P7 (no two objects overlap) across the sorted
// object list.
func (as *AddressSpace) VerifyIntegrity() bool {
	c := as.lock.Acquire()
	defer as.lock.Release(c)
	for i := 1; i < len(as.objects); i++ {
		if as.objects[i-1].Base+as.objects[i-1].Length > as.objects[i].Base {
			return false
		}
	}
	for _, obj := range as.objects {
		if obj.magic != objMagic {
			return false
		}
	}
	return as.magic == asMagic
}
