// Package vmspace implements the virtual address-range allocator (C7): a
// Buddy instance over a range of virtual addresses, with a tail at the high
// end of the managed range sized for its bookkeeping bitmaps and never
// handed out, and optional physical-page binding on alloc/free. It is grounded on spec.md §4.7 and on
// biscuit's Vmregion_t/Mkuserbuf pattern of carving scratch virtual ranges
// out of a fixed window (src/vm/as.go), adapted to a process-wide allocator
// rather than a per-address-space one since spec.md's kernel_vmspace is a
// single shared singleton.
package vmspace

import (
	"github.com/jmtk-go/memcore/internal/archx86"
	"github.com/jmtk-go/memcore/internal/buddy"
	"github.com/jmtk-go/memcore/internal/lock"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/memerr"
	"github.com/jmtk-go/memcore/internal/pmm"
	"github.com/jmtk-go/memcore/internal/util"
	"github.com/jmtk-go/memcore/internal/vmm"
)

// Vmspace_t is a Buddy-backed virtual address range, optionally binding its
// allocations to physical pages through a VMM-managed address space.
type Vmspace_t struct {
	mu     lock.Spinlock_t
	start  mem.Va_t
	size   uint64 // total managed size, including the reserved overhead tail
	usable uint64 // size handed out to callers (size minus the overhead tail)
	bud    *buddy.Buddy_t

	vm    *vmm.Manager_t
	space *vmm.Space_t
	full  *pmm.Full_t
}

// slabChunkAlign is the alignment start must satisfy: every buddy
// allocation Alloc hands out is aligned to its own order size *relative to
// start* (buddy.Alloc returns blockIdx<<order, always a multiple of the
// block size), but that only makes the resulting absolute address
// ChunkSize-aligned if start itself is. internal/slab's ChunkSize is 2
// pages; duplicated here as a literal rather than imported, since slab
// imports vmspace and an import back would cycle.
const slabChunkAlign = 2 * mem.PGSIZE

// Init lays out a Buddy over [start, start+size), reserves a
// page-rounded tail of buddy.Overhead(...) bytes, maps that tail with
// freshly allocated physical pages, and seeds the rest via free_range
// (spec.md §4.7). The buddy's bitmaps themselves are kept in a Go byte
// slice, not in the mapped tail pages; the tail is only kept out of the
// allocatable range.
func Init(vm *vmm.Manager_t, space *vmm.Space_t, full *pmm.Full_t, start mem.Va_t, size uint64) (*Vmspace_t, error) {
	if uint64(start)%uint64(slabChunkAlign) != 0 {
		return nil, memerr.EINVAL
	}
	maxOrder := util.Log2Roundup(size)
	if maxOrder < mem.PGSHIFT {
		maxOrder = mem.PGSHIFT
	}
	overhead := buddy.Overhead(mem.PGSHIFT, maxOrder)
	overheadPages := util.Roundup(overhead, uint64(mem.PGSIZE)) / uint64(mem.PGSIZE)
	overheadSize := overheadPages * uint64(mem.PGSIZE)
	if overheadSize >= size {
		return nil, memerr.ENOMEM
	}

	storage := make([]byte, overhead)
	tailStart := start + mem.Va_t(size-overheadSize)
	for i := uint64(0); i < overheadPages; i++ {
		p, ok := full.AllocPage(pmm.UNDER4GB)
		if !ok {
			return nil, memerr.ENOMEM
		}
		v := tailStart + mem.Va_t(i*uint64(mem.PGSIZE))
		if err := vm.Map(space, v, p, 1, archx86.Write); err != nil {
			return nil, err
		}
	}
	bud := buddy.Init(storage, mem.PGSHIFT, maxOrder)
	bud.FreeRange(0, size-overheadSize)

	return &Vmspace_t{
		start: start, size: size, usable: size - overheadSize,
		bud: bud, vm: vm, space: space, full: full,
	}, nil
}

// Alloc reserves a size-byte virtual range, page-aligned, and, if
// allocPhys is set, binds it to freshly allocated contiguous physical pages
// mapped with flags. Returns the virtual address, or (mem.NoVaddr, err) on
// failure: memerr.ENOHEAP if size alone exceeds the range's usable budget
// (no amount of fragmentation-driven retrying could ever satisfy it),
// memerr.ENOMEM if the budget could cover it but the buddy or physical
// allocator is out of free blocks right now.
func (vs *Vmspace_t) Alloc(size uint64, allocPhys bool, flags archx86.Flag_t) (mem.Va_t, error) {
	if size > vs.usable {
		return mem.NoVaddr, memerr.ENOHEAP
	}

	vs.mu.Acquire()
	defer vs.mu.Release()

	unit, ok := vs.bud.Alloc(size)
	if !ok {
		return mem.NoVaddr, memerr.ENOMEM
	}
	v := vs.start + mem.Va_t(unit)
	if !allocPhys {
		return v, nil
	}

	npages := util.Roundup(size, uint64(mem.PGSIZE)) / uint64(mem.PGSIZE)
	p, ok := vs.full.AllocPages(pmm.UNDER4GB, npages)
	if !ok {
		vs.bud.Free(unit, size)
		return mem.NoVaddr, memerr.ENOMEM
	}
	if err := vs.vm.Map(vs.space, v, p, int(npages), flags); err != nil {
		vs.full.FreePages(p, npages)
		vs.bud.Free(unit, size)
		return mem.NoVaddr, err
	}
	return v, nil
}

// Free returns a size-byte allocation at addr to the range. If freePhys is
// set, every page in the range is unmapped and its backing physical page
// freed first.
func (vs *Vmspace_t) Free(size uint64, addr mem.Va_t, freePhys bool) {
	vs.mu.Acquire()
	defer vs.mu.Release()

	if freePhys {
		npages := util.Roundup(size, uint64(mem.PGSIZE)) / uint64(mem.PGSIZE)
		for i := uint64(0); i < npages; i++ {
			v := addr + mem.Va_t(i*uint64(mem.PGSIZE))
			p, _, ok := vs.vm.GetMapping(vs.space, v)
			if !ok {
				panic("vmspace: free_phys of an unmapped page")
			}
			vs.full.FreePage(p)
			vs.vm.Unmap(vs.space, v, 1)
		}
	}
	unit := uint64(addr - vs.start)
	vs.bud.Free(unit, size)
}

// Start returns the low end of the managed virtual range.
func (vs *Vmspace_t) Start() mem.Va_t { return vs.start }

// UsableSize returns the portion of the managed range available for
// allocation, excluding the reserved bitmap-overhead tail.
func (vs *Vmspace_t) UsableSize() uint64 { return vs.usable }
