// Package vmm implements the virtual memory manager (C4): a two-level x86
// page-table controller built around the recursive self-mapping trick, with
// copy-on-write fault resolution and address-space cloning. It is grounded
// on biscuit's vm.Vm_t and its Lock_pmap/Page_insert/Page_remove/Sys_pgfault
// family (src/vm/as.go), adapted from a 64-bit four-level walk to the
// spec's 32-bit two-level format, and on the original C kernel's x86/vmm.c
// for the exact recursive-slot bookkeeping during clone.
//
// The hosted execution model (SPEC_FULL.md) keeps the self-map invariant
// structurally — directory slot 1023 always stores the directory's own
// physical page — for fidelity and for the property tests in spec.md §8,
// but does not need to *exploit* the recursive trick to reach page tables:
// since this is a Go process with ordinary slice access to every physical
// page (internal/mem's simulated arena), walking is done by direct physical
// addressing via mem.Ram.Pmap. This mirrors the original's own hosted build
// (src/hosted/vmm.c), which abandons real recursive walking for the same
// reason.
package vmm

import (
	"github.com/jmtk-go/memcore/internal/archx86"
	"github.com/jmtk-go/memcore/internal/cow"
	"github.com/jmtk-go/memcore/internal/lock"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/memerr"
	"github.com/jmtk-go/memcore/internal/pmm"
	"github.com/jmtk-go/memcore/internal/stage"
)

const (
	pdxShift = 22
	ptxShift = int(mem.PGSHIFT)
	idxMask  = 0x3FF

	// SelfMapSlot is the page-directory index whose entry points back at
	// the directory itself (spec.md §4.4).
	SelfMapSlot = 1023
	// CloneMapSlot is the second recursive index, installed only
	// transiently during clone to provide a simultaneous window onto both
	// the source and destination directories.
	CloneMapSlot = 1022

	// KernelStart is the low end of the shared kernel virtual range.
	KernelStart mem.Va_t = 0xC0000000
	// KernelEnd is the high end of the shared kernel virtual range,
	// deliberately one page-directory entry short of CloneMapSlot so the
	// two recursive slots are never mistaken for kernel-range entries.
	KernelEnd mem.Va_t = 0xFF800000

	kernelPDStart = int(KernelStart >> pdxShift)
	kernelPDEnd   = int(KernelEnd >> pdxShift)
)

func pdx(v mem.Va_t) int { return int(v>>pdxShift) & idxMask }
func ptx(v mem.Va_t) int { return int(v>>ptxShift) & idxMask }

func isKernelPDIndex(i int) bool { return i >= kernelPDStart && i < kernelPDEnd }

// Space_t is an address space: the physical address of its page directory
// plus a per-space lock serialising all map/unmap/clone activity on it.
type Space_t struct {
	mu  lock.Spinlock_t
	dir mem.Pa_t
}

// Dir returns the physical address identifying this address space (the
// value switch_address_space would load into CR3 on real hardware).
func (s *Space_t) Dir() mem.Pa_t { return s.dir }

// Manager_t ties the VMM to the allocators and COW table it depends on, and
// holds the global lock that clone_address_space needs in addition to each
// space's own lock (spec.md §5: clone installs a temporary recursive
// mapping in the source directory, which is cross-space state).
type Manager_t struct {
	stg    *stage.Machine_t
	early  *pmm.Early_t
	full   *pmm.Full_t
	cow    *cow.Table_t
	global lock.Spinlock_t

	// Trap is invoked by PageFault for any fault that isn't a resolvable
	// COW write, receiving a diagnostic string, matching spec.md §4.4's
	// "call the debugger trap with a diagnostic". Tests may install their
	// own Trap to observe unresolved faults without crashing the test
	// binary; the zero value panics, matching spec.md §7's policy that an
	// unhandled fault never returns.
	Trap func(msg string)
}

// New constructs a Manager_t. early may be nil once the stage machine has
// reached FULL; full may be nil before then — whichever allocator the
// current stage calls for is used to back new page-table pages.
func New(stg *stage.Machine_t, early *pmm.Early_t, full *pmm.Full_t, cowTable *cow.Table_t) *Manager_t {
	return &Manager_t{stg: stg, early: early, full: full, cow: cowTable}
}

// SetFull installs the Full PMM once it becomes available, completing the
// bootstrap sequence described in SPEC_FULL.md (Early PMM backs the
// bootstrap page tables; Full PMM backs everything after).
func (m *Manager_t) SetFull(full *pmm.Full_t) { m.full = full }

func (m *Manager_t) allocPageForTable() (mem.Pa_t, bool) {
	if m.stg.Current() < stage.FULL {
		return m.early.AllocPage()
	}
	return m.full.AllocPage(pmm.UNDER4GB)
}

func (m *Manager_t) trap(msg string) {
	if m.Trap != nil {
		m.Trap(msg)
		return
	}
	panic("vmm: unhandled fault: " + msg)
}

// NewSpace allocates a fresh page directory, zeroes it, and installs the
// self-mapping entry, returning a usable (but otherwise empty) address
// space.
func (m *Manager_t) NewSpace() (*Space_t, error) {
	dirPage, ok := m.allocPageForTable()
	if !ok {
		return nil, memerr.ENOMEM
	}
	mem.Ram.ZeroPage(dirPage)
	dir := mem.Ram.Pmap(dirPage)
	dir[SelfMapSlot] = uint32(dirPage&archx86.PTE_ADDR) | uint32(archx86.PTE_P|archx86.PTE_W)
	return &Space_t{dir: dirPage}, nil
}

// BootstrapKernelRange pre-allocates page tables for the entire kernel
// virtual range using the Early PMM, so that later Map calls during
// EARLY never need to allocate a table while the Full PMM is still being
// built (spec.md §4.4's bootstrap invariant).
func (m *Manager_t) BootstrapKernelRange(space *Space_t) error {
	space.mu.Acquire()
	defer space.mu.Release()
	dir := mem.Ram.Pmap(space.dir)
	for i := kernelPDStart; i < kernelPDEnd; i++ {
		if dir[i]&uint32(archx86.PTE_P) != 0 {
			continue
		}
		pt, ok := m.allocPageForTable()
		if !ok {
			return memerr.ENOMEM
		}
		mem.Ram.ZeroPage(pt)
		dir[i] = uint32(pt&archx86.PTE_ADDR) | uint32(archx86.PTE_P|archx86.PTE_W)
	}
	return nil
}
