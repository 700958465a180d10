// Package pmm implements the physical page manager: the Early PMM bump
// allocator used only during bootstrap (C3) and the Full PMM three-class
// buddy wrapper that takes over once the kernel's own address space exists
// (C5), grounded on biscuit's mem.Phys_init/Phys_pages/Refpg_new control flow
// and the original C kernel's early_pmm.c/pmm.c/x86/free_memory.c.
package pmm

import "github.com/jmtk-go/memcore/internal/mem"

// Class_t is a physical-memory requirement class (spec.md §3).
type Class_t int

const (
	// UNDER1MB is memory below 1 MiB, for legacy/DMA use.
	UNDER1MB Class_t = iota
	// UNDER4GB is memory below 4 GiB, for 32-bit-addressable use.
	UNDER4GB
	// NONE is unconstrained memory, falling back to UNDER4GB when its own
	// class is exhausted.
	NONE
)

func (c Class_t) String() string {
	switch c {
	case UNDER1MB:
		return "UNDER1MB"
	case UNDER4GB:
		return "UNDER4GB"
	case NONE:
		return "NONE"
	default:
		return "Class_t(?)"
	}
}

// classRange returns the [lo, hi) physical span owned by class c given the
// overall physical extent, matching the three rows of spec.md §3's table.
func classRange(c Class_t, totalExtent uint64) mem.Range_t {
	switch c {
	case UNDER1MB:
		return mem.Range_t{Start: 0, Extent: mem.Under1MB}
	case UNDER4GB:
		return mem.Range_t{Start: mem.Pa_t(mem.Under1MB), Extent: mem.Under4GB - mem.Under1MB}
	case NONE:
		if totalExtent <= mem.Under4GB {
			return mem.Range_t{Start: mem.Pa_t(mem.Under4GB), Extent: 0}
		}
		return mem.Range_t{Start: mem.Pa_t(mem.Under4GB), Extent: totalExtent - mem.Under4GB}
	default:
		panic("pmm: invalid class")
	}
}

// classOf infers which class a physical address belongs to purely from its
// magnitude, as spec.md §4.5 requires of free_page/free_pages.
func classOf(p mem.Pa_t) Class_t {
	switch {
	case uint64(p) < mem.Under1MB:
		return UNDER1MB
	case uint64(p) < mem.Under4GB:
		return UNDER4GB
	default:
		return NONE
	}
}
