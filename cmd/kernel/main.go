// Command kernel is the minimal entrypoint wiring bootstrap's layered
// init order for a hosted run of the core (there is no real boot
// trampoline in scope per spec.md §1; this stands in for the
// teacher's kmain after Dmap_init/Phys_init have run).
package main

import (
	"os"

	"github.com/oichkatzele/corevm/src/bootstrap"
	"github.com/oichkatzele/corevm/src/heap"
	"github.com/oichkatzele/corevm/src/klog"
	"github.com/oichkatzele/corevm/src/physmap"
)

func main() {
	lg := klog.New("kernel", os.Stderr)

	cfg := bootstrap.Config{
		PhysBase:      0,
		PhysEnd:       physmap.Addr(256 << 20), // 256MB managed range
		MinBlock:      physmap.PageSize,
		KernelAllocLo: physmap.KernelVirtualBase,
		KernelAllocHi: physmap.KernelVirtualBase + (1 << 30),
		HeapMinArena:  physmap.PageSize * 16,
		HeapMaxSize:   0, // unlimited
		HeapFlags:     heap.FlagZero | heap.FlagUrgent,
		Log:           lg,
	}

	k, err := bootstrap.Init(cfg)
	if err != nil {
		lg.Fatalf("bootstrap failed: %v", err)
	}
	if !k.Ready() {
		lg.Fatalf("bootstrap returned without reaching the heap stage")
	}

	lg.Infof("core online")
}
