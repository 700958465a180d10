package vmm

import (
	"fmt"

	"github.com/jmtk-go/memcore/internal/archx86"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/memerr"
)

func checkMappable(v mem.Va_t) {
	if pdx(v) >= kernelPDEnd && pdx(v) < 1024 {
		panic(fmt.Sprintf("vmm: virtual address %#x falls in the reserved recursive-mapping range", v))
	}
}

// dirEntry returns the directory entry for v, allocating and zeroing a new
// page table if none is installed yet.
func (m *Manager_t) dirEntry(space *Space_t, v mem.Va_t, allocate bool) (mem.Pa_t, bool) {
	dir := mem.Ram.Pmap(space.dir)
	idx := pdx(v)
	pde := dir[idx]
	if pde&uint32(archx86.PTE_P) != 0 {
		return mem.Pa_t(pde) & archx86.PTE_ADDR, true
	}
	if !allocate {
		return mem.NoAddr, false
	}
	pt, ok := m.allocPageForTable()
	if !ok {
		return mem.NoAddr, false
	}
	mem.Ram.ZeroPage(pt)
	dir[idx] = uint32(pt&archx86.PTE_ADDR) | uint32(archx86.PTE_P|archx86.PTE_W|archx86.PTE_U)
	return pt, true
}

// Map installs n_pages consecutive PTEs starting at v, mapping to physical
// pages starting at p, with the given architecture-neutral flags (spec.md
// §4.4's map operation).
func (m *Manager_t) Map(space *Space_t, v mem.Va_t, p mem.Pa_t, npages int, flags archx86.Flag_t) error {
	checkMappable(v)
	if uint64(p) >= mem.Under4GB {
		panic("vmm: cannot map a physical page outside the 32-bit PTE-addressable range")
	}
	space.mu.Acquire()
	defer space.mu.Release()
	pgsz := mem.Pa_t(mem.PGSIZE)
	for i := 0; i < npages; i++ {
		vv := v + mem.Va_t(uint32(i)*uint32(mem.PGSIZE))
		pp := p + mem.Pa_t(i)*pgsz

		ptPage, ok := m.dirEntry(space, vv, true)
		if !ok {
			return memerr.ENOMEM
		}
		pt := mem.Ram.Pmap(ptPage)
		idx := ptx(vv)
		if pt[idx]&uint32(archx86.PTE_P) != 0 {
			panic(fmt.Sprintf("vmm: double map of %#x", vv))
		}
		bits := archx86.ToPTEBits(flags)
		pt[idx] = uint32(pp&archx86.PTE_ADDR) | uint32(bits)
		if flags&archx86.COW != 0 {
			m.cow.Inc(pp)
		}
	}
	return nil
}

// Unmap clears n_pages consecutive PTEs starting at v (spec.md §4.4's
// unmap operation). Unmapping an absent page table or an unmapped page is a
// contract violation and panics.
func (m *Manager_t) Unmap(space *Space_t, v mem.Va_t, npages int) {
	checkMappable(v)
	space.mu.Acquire()
	defer space.mu.Release()
	for i := 0; i < npages; i++ {
		vv := v + mem.Va_t(uint32(i)*uint32(mem.PGSIZE))
		ptPage, ok := m.dirEntry(space, vv, false)
		if !ok {
			panic(fmt.Sprintf("vmm: unmap of %#x with no page table installed", vv))
		}
		pt := mem.Ram.Pmap(ptPage)
		idx := ptx(vv)
		pte := pt[idx]
		if pte&uint32(archx86.PTE_P) == 0 {
			panic(fmt.Sprintf("vmm: unmap of unmapped page %#x", vv))
		}
		if pte&uint32(archx86.PTE_COW) != 0 {
			m.cow.Dec(mem.Pa_t(pte) & archx86.PTE_ADDR)
		}
		pt[idx] = 0
		invalidateTLB(vv)
	}
}

// invalidateTLB is the hosted stand-in for the INVLPG instruction: there is
// no real TLB to flush, but the call site is kept as a named hook so a
// future hardware backend has somewhere to plug in, matching the ordering
// guarantee in spec.md §5 (the invalidation happens before the lock is
// released).
func invalidateTLB(v mem.Va_t) {}

// GetMapping returns the physical page and architecture-neutral flags v
// currently maps to, or (mem.NoAddr, 0, false) if v is unmapped.
func (m *Manager_t) GetMapping(space *Space_t, v mem.Va_t) (mem.Pa_t, archx86.Flag_t, bool) {
	space.mu.Acquire()
	defer space.mu.Release()
	return m.getMappingLocked(space, v)
}

func (m *Manager_t) getMappingLocked(space *Space_t, v mem.Va_t) (mem.Pa_t, archx86.Flag_t, bool) {
	ptPage, ok := m.dirEntry(space, v, false)
	if !ok {
		return mem.NoAddr, 0, false
	}
	pt := mem.Ram.Pmap(ptPage)
	pte := pt[ptx(v)]
	if pte&uint32(archx86.PTE_P) == 0 {
		return mem.NoAddr, 0, false
	}
	return mem.Pa_t(pte) & archx86.PTE_ADDR, archx86.FromPTEBits(mem.Pa_t(pte)), true
}

// IsMapped reports whether v is currently mapped.
func (m *Manager_t) IsMapped(space *Space_t, v mem.Va_t) bool {
	_, _, ok := m.GetMapping(space, v)
	return ok
}

// IterateMappings returns the next mapped page at or after v+page_size, or
// (mem.NoVaddr, false) if none remain below the reserved recursive-mapping
// range (spec.md §4.4).
func (m *Manager_t) IterateMappings(space *Space_t, v mem.Va_t) (mem.Va_t, bool) {
	space.mu.Acquire()
	defer space.mu.Release()

	start := v + mem.Va_t(mem.PGSIZE)
	ti := ptx(start)
	dir := mem.Ram.Pmap(space.dir)
	for pi := pdx(start); pi < CloneMapSlot; pi++ {
		pde := dir[pi]
		if pde&uint32(archx86.PTE_P) != 0 {
			pt := mem.Ram.Pmap(mem.Pa_t(pde) & archx86.PTE_ADDR)
			for ; ti < 1024; ti++ {
				if pt[ti]&uint32(archx86.PTE_P) != 0 {
					return mem.Va_t(pi<<pdxShift) | mem.Va_t(ti<<ptxShift), true
				}
			}
		}
		ti = 0
	}
	return mem.NoVaddr, false
}
