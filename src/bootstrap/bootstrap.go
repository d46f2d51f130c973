// Package bootstrap wires the strict, non-cyclic init order of spec.md
// §2: physmap → PMM → SLAB → kernel VMM → kernel HEAP. Each stage
// refuses to start if its prerequisite is not online, mirroring the
// teacher's own kernel bring-up path where mem.Dmap_init must run
// before mem.Phys_init's direct-map accesses are valid, which in turn
// must run before vm.Vm_t construction can ask it for frames.
package bootstrap

import (
	"sort"

	"github.com/oichkatzele/corevm/src/boot/multiboot"
	"github.com/oichkatzele/corevm/src/heap"
	"github.com/oichkatzele/corevm/src/kerrors"
	"github.com/oichkatzele/corevm/src/klog"
	"github.com/oichkatzele/corevm/src/physmap"
	"github.com/oichkatzele/corevm/src/pmm"
	"github.com/oichkatzele/corevm/src/slab"
	"github.com/oichkatzele/corevm/src/vmm"
)

const op = "bootstrap"

// stage enumerates how far Init has progressed; Ready reports whether
// it reached stageHeap.
type stage int

const (
	stageNone stage = iota
	stagePhysmap
	stagePMM
	stageSLAB
	stageVMM
	stageHeap
)

// Config carries every constructor argument the teacher's bring-up
// path takes as a hardcoded constant or Phys_init/Vm_t argument
// (spec.md §2's "every layer is configured through constructor
// arguments, not a config file").
type Config struct {
	// PhysBase/PhysEnd bound the managed physical range PMM owns.
	PhysBase, PhysEnd physmap.Addr
	// MinBlock is PMM's minimum block size (spec.md §3.2).
	MinBlock int
	// KernelAllocLo/Hi bound the kernel address space's allocator
	// search range (spec.md §3.3).
	KernelAllocLo, KernelAllocHi uint64
	// HeapMinArena/HeapMaxSize configure the kernel HEAP (spec.md
	// §3.4). HeapMaxSize <= 0 means unlimited.
	HeapMinArena uint64
	HeapMaxSize  int64
	// HeapFlags carries the kernel heap's ZERO/URGENT policy bits
	// (spec.md §3.5). Zero value means neither.
	HeapFlags heap.Flags
	// MultibootBuf is the raw Multiboot2 boot-information blob, if the
	// caller has one (spec.md §6.2). When set, its memory map tag is
	// consulted after PMM comes up: every non-available range that
	// falls inside [PhysBase,PhysEnd) is carved out with MarkReserved,
	// the same as the teacher's runtime reserving the kernel image and
	// page-table arena out of Phys_init's range before anything else
	// can allocate from it. Nil skips this step entirely; the full
	// [PhysBase,PhysEnd) range is then assumed usable.
	MultibootBuf []byte
	// Log receives bring-up progress; nil defaults to klog.Discard.
	Log *klog.Logger
}

// Kernel holds the fully wired stack once Init succeeds: the four
// layers plus the physmap they all share.
type Kernel struct {
	stage stage
	log   *klog.Logger

	Mem  *physmap.Memory
	PMM  *pmm.Allocator
	VMM  *vmm.AddressSpace
	Heap *heap.Heap
}

// Init brings up every layer in the mandated order, refusing to
// continue past any stage that fails. A partially brought-up Kernel
// is never returned: on error the already-constructed layers are
// simply abandoned (spec.md's Non-goals exclude a shutdown path for
// boot-time failure, the same as a real kernel that halts).
func Init(cfg Config) (*Kernel, error) {
	lg := cfg.Log
	if lg == nil {
		lg = klog.Discard
	}
	k := &Kernel{log: lg}

	if cfg.PhysEnd <= cfg.PhysBase {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "phys range [%#x,%#x) empty or inverted", cfg.PhysBase, cfg.PhysEnd)
	}
	mem, err := physmap.NewMemory(cfg.PhysBase, int(cfg.PhysEnd-cfg.PhysBase))
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "physmap: %v", err)
	}
	k.Mem = mem
	k.stage = stagePhysmap
	lg.Infof("physmap online: [%#x,%#x)", cfg.PhysBase, cfg.PhysEnd)

	p, err := pmm.New(mem, cfg.PhysBase, cfg.PhysEnd, cfg.MinBlock)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "pmm: %v", err)
	}
	k.PMM = p
	k.stage = stagePMM
	st := p.Stats()
	lg.Infof("pmm online: %d bytes free across %d orders", st.Free, len(st.FreeCounts))

	if cfg.MultibootBuf != nil {
		if err := reserveFromMultiboot(p, cfg.MultibootBuf, cfg.PhysBase, cfg.PhysEnd); err != nil {
			return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "multiboot: %v", err)
		}
		lg.Infof("pmm reservations applied from multiboot memory map")
	}

	// SLAB's cache registry (spec.md §9's g_caches) is a process-wide
	// singleton, so bringing it up here resets any registry left behind
	// by a prior kernel instance in the same process before bringing a
	// fresh one online. A real kernel boots exactly once; a test harness
	// modeling several independent cold boots in one process needs this
	// reset so the second boot doesn't see the first boot's ErrAlreadyInit.
	slab.Shutdown()
	if err := slab.Init(); err != nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "slab: %v", err)
	}
	bootCache, err := slab.CacheCreate(p, mem, "bootstrap.probe", 64, 8)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "slab: %v", err)
	}
	if err := bootCache.CacheDestroy(); err != nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "slab probe teardown: %v", err)
	}
	k.stage = stageSLAB
	lg.Infof("slab online")

	kas, err := vmm.NewKernelAddressSpace(mem, p, cfg.KernelAllocLo, cfg.KernelAllocHi)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "vmm: %v", err)
	}
	k.VMM = kas
	k.stage = stageVMM
	vmm.Switch(kas)
	lg.Infof("kernel vmm online: alloc range [%#x,%#x)", cfg.KernelAllocLo, cfg.KernelAllocHi)

	h, err := heap.New(kas, mem, cfg.HeapMinArena, cfg.HeapMaxSize, true, cfg.HeapFlags)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalid, op+".Init", "heap: %v", err)
	}
	k.Heap = h
	k.stage = stageHeap
	lg.Infof("kernel heap online: min arena %d bytes", cfg.HeapMinArena)

	return k, nil
}

// Ready reports whether every layer reached stageHeap, the point at
// which kmalloc-style allocation through k.Heap is valid.
func (k *Kernel) Ready() bool {
	return k != nil && k.stage == stageHeap
}

// reserveFromMultiboot parses buf's memory map tag and marks every
// sub-range of [lo,hi) the bootloader did not report as Available
// reserved in p, so a hole (ACPI tables, bad RAM, a second usable
// region's gap) never gets handed out by Alloc. Ranges are clipped to
// [lo,hi) first since PMM only knows about that managed window.
func reserveFromMultiboot(p *pmm.Allocator, buf []byte, lo, hi physmap.Addr) error {
	info, err := multiboot.Parse(buf)
	if err != nil {
		return err
	}

	type window struct{ s, e physmap.Addr }
	var usable []window
	for _, r := range info.UsableRanges() {
		s := physmap.Addr(r.Base)
		e := s + physmap.Addr(r.Length)
		if s < lo {
			s = lo
		}
		if e > hi {
			e = hi
		}
		if e > s {
			usable = append(usable, window{s, e})
		}
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].s < usable[j].s })

	// merge overlapping/adjacent usable windows, then reserve every gap
	// between them (and before the first / after the last).
	merged := usable[:0]
	for _, w := range usable {
		if n := len(merged); n > 0 && w.s <= merged[n-1].e {
			if w.e > merged[n-1].e {
				merged[n-1].e = w.e
			}
			continue
		}
		merged = append(merged, w)
	}

	cursor := lo
	for _, w := range merged {
		if w.s > cursor {
			if err := p.MarkReserved(cursor, w.s); err != nil {
				return err
			}
		}
		if w.e > cursor {
			cursor = w.e
		}
	}
	if cursor < hi {
		if err := p.MarkReserved(cursor, hi); err != nil {
			return err
		}
	}
	return nil
}
