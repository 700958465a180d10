package vmm

import (
	"fmt"

	"github.com/jmtk-go/memcore/internal/archx86"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/memerr"
	"github.com/jmtk-go/memcore/internal/pmm"
)

// PageFault handles a hardware page fault on virtual address v in space,
// given the architecture's error code (spec.md §4.4). A write fault on a
// COW page is resolved in place and PageFault returns nil; any other fault
// is escalated to the debugger trap and PageFault returns the error it was
// given to report, which callers should treat as fatal (spec.md §7: an
// unhandled fault never returns control to the faulting context).
func (m *Manager_t) PageFault(space *Space_t, v mem.Va_t, ec archx86.ErrorCode_t) error {
	if ec.WasPresent() && ec.WasWrite() {
		space.mu.Acquire()
		pte, ok := m.ptePtrLocked(space, v)
		if ok && *pte&uint32(archx86.PTE_P) != 0 && *pte&uint32(archx86.PTE_COW) != 0 {
			err := m.resolveCOWFaultLocked(pte)
			space.mu.Release()
			return err
		}
		space.mu.Release()
	}
	m.trap(fmt.Sprintf("unhandled page fault at %#x (present=%v write=%v user=%v fetch=%v)",
		v, ec.WasPresent(), ec.WasWrite(), ec.WasUser(), ec.WasInstructionFetch()))
	return memerr.EFAULT
}

// ptePtrLocked returns a pointer to the PTE slot for v within space, which
// must already be locked by the caller. It returns (nil, false) if no page
// table is installed for v.
func (m *Manager_t) ptePtrLocked(space *Space_t, v mem.Va_t) (*uint32, bool) {
	ptPage, ok := m.dirEntry(space, v, false)
	if !ok {
		return nil, false
	}
	pt := mem.Ram.Pmap(ptPage)
	return &pt[ptx(v)], true
}

// resolveCOWFaultLocked implements spec.md §4.6's write-fault resolution:
// allocate a fresh page, copy the shared page's contents into it through a
// local buffer (so no two physical pages ever need simultaneous mappings),
// install the fresh page as writable and non-COW, and decrement the
// original page's refcount exactly once, after the copy has landed.
func (m *Manager_t) resolveCOWFaultLocked(pte *uint32) error {
	old := mem.Pa_t(*pte) & archx86.PTE_ADDR

	// Fast path: if this mapping is the refcount table's only remaining
	// sharer, there is nothing to copy — claim the existing page in place
	// instead of allocating a new one, exactly as biscuit's Sys_pgfault
	// special-cases a refcount of 1.
	if m.cow.Refcount(old) <= 1 {
		bits := archx86.ToPTEBits(archx86.Write)
		*pte = uint32(old&archx86.PTE_ADDR) | uint32(bits)
		// this PTE was the refcount table's only sharer and is no longer
		// COW, so no live COW PTE references old any more.
		m.cow.Dec(old)
		return nil
	}

	fresh, ok := m.full.AllocPage(pmm.UNDER4GB)
	if !ok {
		return memerr.ENOMEM
	}
	var buf mem.Bytepg_t
	copy(buf[:], mem.Ram.Dmap8(old))

	bits := archx86.ToPTEBits(archx86.Write)
	*pte = uint32(fresh&archx86.PTE_ADDR) | uint32(bits)
	copy(mem.Ram.Dmap8(fresh), buf[:])

	m.cow.Dec(old)
	return nil
}
