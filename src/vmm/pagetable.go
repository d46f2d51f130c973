// Package vmm implements the virtual memory manager of spec.md §4.3: a
// 4-level x86_64 page table walker and per-address-space object tracking
// layered on top of pmm and physmap. The walker is grounded on the
// teacher's mem/dmap.go pgbits/caddr index math and vm/as.go's
// pmap_walk/Page_insert/Page_remove; the teacher walks a live recursive
// mapping of real hardware tables, this one walks simulated tables
// through physmap.Memory since there is no MMU to program under go test.
package vmm

import (
	"github.com/oichkatzele/corevm/src/kerrors"
	"github.com/oichkatzele/corevm/src/physmap"
)

const op = "vmm"

// PTE flag bits, matching the teacher's mem package PTE_* constants
// (x86_64 page table entry format).
const (
	PteP  uint64 = 1 << 0 // present
	PteW  uint64 = 1 << 1 // writable
	PteU  uint64 = 1 << 2 // user-accessible
	PtePS uint64 = 1 << 7 // page size (1GB/2MB leaf, unused here)
	PteNX uint64 = 1 << 63
)

const addrMask uint64 = 0x000ffffffffff000

// entriesPerTable is 512 64-bit entries per 4KB page table page.
const entriesPerTable = physmap.PageSize / 8

// pageTable overlays one level of the 4-level hierarchy.
type pageTable struct {
	entries [entriesPerTable]uint64
}

// pmlIndices splits a canonical virtual address into its four 9-bit page
// table indices, equivalent to the teacher's pgbits.
func pmlIndices(va uint64) (pml4, pdpt, pd, pt int) {
	pml4 = int((va >> 39) & 0x1ff)
	pdpt = int((va >> 30) & 0x1ff)
	pd = int((va >> 21) & 0x1ff)
	pt = int((va >> 12) & 0x1ff)
	return
}

// tableAt overlays a pageTable on the physical page at phys.
func tableAt(mem *physmap.Memory, phys physmap.Addr) (*pageTable, error) {
	p, err := mem.At(phys)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrOutOfRange, op, "%v", err)
	}
	return (*pageTable)(p), nil
}

// physFrames is the capability vmm needs from pmm: page frame allocation,
// the same relationship slab.PhysAlloc draws to the PMM layer.
type physFrames interface {
	Alloc(size int) (physmap.Addr, error)
	Free(addr physmap.Addr, size int) error
}

// createdTable records one intermediate page table this call brought
// into existence, so a caller that must roll back a partially-committed
// operation can free any such table that ends up holding no mappings
// (spec.md §8's P9: no partial state survives a rolled-back operation).
type createdTable struct {
	parent      physmap.Addr
	parentIndex int
	child       physmap.Addr
}

// walkCreate walks from root down to the level-1 (PT) table covering va,
// creating any missing intermediate table with a freshly zeroed page when
// create is true. It returns the PT table's physical address. Any table
// newly created during this call is appended to *created (nil is fine
// when the caller has nothing to roll back, e.g. lookups).
func walkCreate(mem *physmap.Memory, pf physFrames, root physmap.Addr, va uint64, create bool, created *[]createdTable) (physmap.Addr, error) {
	i4, i3, i2, _ := pmlIndices(va)
	cur := root
	for _, idx := range []int{i4, i3, i2} {
		tbl, err := tableAt(mem, cur)
		if err != nil {
			return 0, err
		}
		entry := tbl.entries[idx]
		if entry&PteP == 0 {
			if !create {
				return 0, kerrors.New(kerrors.ErrNotFound, op, "no mapping at %#x", va)
			}
			child, err := newTable(mem, pf)
			if err != nil {
				return 0, err
			}
			tbl.entries[idx] = uint64(child) | PteP | PteW | PteU
			if created != nil {
				*created = append(*created, createdTable{parent: cur, parentIndex: idx, child: child})
			}
			cur = child
			continue
		}
		cur = physmap.Addr(entry & addrMask)
	}
	return cur, nil
}

// pruneEmptyCreated frees every table in created (processed deepest-first)
// that ended up with no present entries, clearing its parent's link. A
// table still holding a mapping made by an earlier, successfully
// committed step in the same operation is left alone. Entries are
// idempotent to revisit: if ct.parent's link to ct.child was already
// cleared (by an earlier cascade over the same table during this same
// call, or a previous call over an overlapping created list), the edge is
// skipped rather than re-read or re-freed, since ct.child's physical page
// may already have been returned to the allocator and reused.
func pruneEmptyCreated(mem *physmap.Memory, pf physFrames, created []createdTable) error {
	for i := len(created) - 1; i >= 0; i-- {
		ct := created[i]
		parent, err := tableAt(mem, ct.parent)
		if err != nil {
			return err
		}
		entry := parent.entries[ct.parentIndex]
		if entry&PteP == 0 || physmap.Addr(entry&addrMask) != ct.child {
			continue
		}
		tbl, err := tableAt(mem, ct.child)
		if err != nil {
			return err
		}
		empty := true
		for _, e := range tbl.entries {
			if e&PteP != 0 {
				empty = false
				break
			}
		}
		if !empty {
			continue
		}
		parent.entries[ct.parentIndex] = 0
		if err := pf.Free(ct.child, physmap.PageSize); err != nil {
			return err
		}
	}
	return nil
}

// walkChainExisting walks from root to the PT table covering va, requiring
// every intermediate table to already exist, and returns both the PT
// table's physical address and the root-to-leaf chain of (parent,
// parentIndex, child) edges it passed through. The chain lets a caller
// that clears the leaf entry for va cascade-free any table the unmap
// leaves completely empty, via pruneEmptyCreated (spec.md §4.3: "if the
// PT is all-empty free the PT frame and clear the PD entry; cascade
// upward through PD and PDPT the same way").
func walkChainExisting(mem *physmap.Memory, root physmap.Addr, va uint64) ([]createdTable, physmap.Addr, error) {
	i4, i3, i2, _ := pmlIndices(va)
	cur := root
	var chain []createdTable
	for _, idx := range []int{i4, i3, i2} {
		tbl, err := tableAt(mem, cur)
		if err != nil {
			return nil, 0, err
		}
		entry := tbl.entries[idx]
		if entry&PteP == 0 {
			return nil, 0, kerrors.New(kerrors.ErrNotFound, op, "no mapping at %#x", va)
		}
		child := physmap.Addr(entry & addrMask)
		chain = append(chain, createdTable{parent: cur, parentIndex: idx, child: child})
		cur = child
	}
	return chain, cur, nil
}

// newTable allocates and zeroes a fresh page table page.
func newTable(mem *physmap.Memory, pf physFrames) (physmap.Addr, error) {
	phys, err := pf.Alloc(physmap.PageSize)
	if err != nil {
		return 0, kerrors.New(kerrors.ErrNoMemory, op, "%v", err)
	}
	if err := mem.Zero(phys, physmap.PageSize); err != nil {
		return 0, err
	}
	return phys, nil
}

// ptEntry reads the level-1 entry for va out of the given PT table.
func ptEntry(mem *physmap.Memory, ptPhys physmap.Addr, va uint64) (*uint64, error) {
	tbl, err := tableAt(mem, ptPhys)
	if err != nil {
		return nil, err
	}
	_, _, _, i1 := pmlIndices(va)
	return &tbl.entries[i1], nil
}

// mapPageRaw installs a single leaf mapping, creating intermediate tables
// as needed. Returns kerrors.ErrAlreadyMapped if a present mapping would
// be overwritten. created, when non-nil, collects any newly created
// intermediate table so the caller can prune it on rollback.
func mapPageRaw(mem *physmap.Memory, pf physFrames, root physmap.Addr, va uint64, pa physmap.Addr, flags uint64, created *[]createdTable) error {
	ptPhys, err := walkCreate(mem, pf, root, va, true, created)
	if err != nil {
		return err
	}
	pte, err := ptEntry(mem, ptPhys, va)
	if err != nil {
		return err
	}
	if *pte&PteP != 0 {
		return kerrors.New(kerrors.ErrAlreadyMapped, op+".MapPage", "va %#x already mapped", va)
	}
	*pte = uint64(pa) | flags | PteP
	return nil
}

// unmapPageRaw clears the leaf mapping for va, returning the physical
// address it had mapped, then cascades up through PT/PD/PDPT freeing any
// table the clear left with no present entries (spec.md §4.3). root
// (the PML4) is never freed by the cascade regardless of emptiness.
// Returns kerrors.ErrNotFound if nothing was mapped there.
func unmapPageRaw(mem *physmap.Memory, pf physFrames, root physmap.Addr, va uint64) (physmap.Addr, error) {
	chain, ptPhys, err := walkChainExisting(mem, root, va)
	if err != nil {
		return 0, err
	}
	pte, err := ptEntry(mem, ptPhys, va)
	if err != nil {
		return 0, err
	}
	if *pte&PteP == 0 {
		return 0, kerrors.New(kerrors.ErrNotFound, op+".UnmapPage", "va %#x not mapped", va)
	}
	pa := physmap.Addr(*pte & addrMask)
	*pte = 0
	if err := pruneEmptyCreated(mem, pf, chain); err != nil {
		return pa, err
	}
	return pa, nil
}

// translateRaw returns the physical address and flags va is mapped to.
func translateRaw(mem *physmap.Memory, root physmap.Addr, va uint64) (physmap.Addr, uint64, error) {
	ptPhys, err := walkCreate(mem, nil, root, va, false, nil)
	if err != nil {
		return 0, 0, err
	}
	pte, err := ptEntry(mem, ptPhys, va)
	if err != nil {
		return 0, 0, err
	}
	if *pte&PteP == 0 {
		return 0, 0, kerrors.New(kerrors.ErrNotFound, op+".GetPhysical", "va %#x not mapped", va)
	}
	return physmap.Addr(*pte & addrMask), *pte &^ addrMask, nil
}
