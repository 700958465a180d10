package pmm

import (
	"fmt"
	"io"
	"sync"

	"github.com/jmtk-go/memcore/internal/buddy"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/stage"
	"github.com/jmtk-go/memcore/internal/util"
)

// percpuCap bounds the per-class single-page free cache (SUPPLEMENTED
// FEATURES in SPEC_FULL.md): a small LIFO of recently freed pages consulted
// before touching the class's buddy lock, in the spirit of biscuit's
// Physmem_t._pcpu_new/_pcpu_put. It is a latency optimisation only — every
// property the buddy itself guarantees still holds because pages only ever
// sit in this cache between a Free and a later Alloc of the same class.
const percpuCap = 16

type classState struct {
	rng    mem.Range_t
	bud    *buddy.Buddy_t
	percpu []mem.Pa_t
}

// Full_t is the three-class buddy wrapper described in spec.md §4.5.
type Full_t struct {
	mu      sync.Mutex
	classes [3]classState
	stg     *stage.Machine_t
	log     io.Writer
}

// NewFull constructs a Full_t bound to the given stage machine. log, if
// non-nil, receives boot diagnostics in the style of biscuit's
// mem.Phys_init ("Reserved %v pages...") — pass nil to discard them.
func NewFull(stg *stage.Machine_t, log io.Writer) *Full_t {
	if log == nil {
		log = io.Discard
	}
	return &Full_t{stg: stg, log: log}
}

// InitFull drains the Early PMM's remaining ranges, builds one Buddy per
// requirement class, and seeds each from the portion of the firmware map
// that falls in its range, excluding kernelImage (the kernel's own loaded
// image, never to be handed out). This reproduces the original's
// init_full/x86/free_memory.c control flow: classes are built and then fed
// firmware ranges through free_range, not the other way around, because
// each class's Buddy.Init requires its own overhead storage to already
// exist before any FreeRange call.
func (f *Full_t) InitFull(early *Early_t, totalExtent uint64, kernelImage mem.Range_t) error {
	f.stg.MustBe(stage.EARLY)
	firmware := early.Residual()

	for c := UNDER1MB; c <= NONE; c++ {
		rng := classRange(c, totalExtent)
		if rng.Empty() {
			f.classes[c] = classState{rng: rng}
			continue
		}
		maxOrder := util.Log2Roundup(rng.Extent)
		if maxOrder < mem.PGSHIFT {
			maxOrder = mem.PGSHIFT
		}
		overhead := buddy.Overhead(mem.PGSHIFT, maxOrder)
		npages := (overhead + uint64(mem.PGSIZE) - 1) / uint64(mem.PGSIZE)
		// Drain the Early PMM by the page count the bitmaps would occupy
		// if mapped through the VMM, the last service the Early PMM
		// provides (spec.md §4.5). The hosted build keeps the bitmap
		// bytes in a single Go slice rather than chasing per-page direct
		// map windows, since nothing downstream needs the bitmap storage
		// to be page-addressable on its own.
		for i := uint64(0); i < npages; i++ {
			if _, ok := early.AllocPage(); !ok {
				return fmt.Errorf("pmm: early PMM exhausted reserving %v bitmap pages for class %v", npages, c)
			}
		}
		storage := make([]byte, overhead)
		f.classes[c] = classState{rng: rng, bud: buddy.Init(storage, mem.PGSHIFT, maxOrder)}
		fmt.Fprintf(f.log, "pmm: class %v range [%#x, %#x) overhead %v bytes (%v pages)\n",
			c, rng.Start, rng.End(), overhead, npages)
	}

	for _, fr := range firmware {
		for c := UNDER1MB; c <= NONE; c++ {
			cs := &f.classes[c]
			if cs.bud == nil {
				continue
			}
			piece := splitRange(fr, cs.rng.Start, cs.rng.End())
			if piece.Empty() {
				continue
			}
			for _, usable := range removeRange(piece, kernelImage) {
				rel := uint64(usable.Start - cs.rng.Start)
				cs.bud.FreeRange(rel, usable.Extent)
			}
		}
	}

	f.stg.Advance(stage.FULL)
	return nil
}

// AllocPage allocates a single physical page of the given requirement
// class, falling back to UNDER4GB only when req is NONE and the NONE class
// is exhausted (spec.md §4.5).
func (f *Full_t) AllocPage(req Class_t) (mem.Pa_t, bool) {
	f.stg.MustBeAtLeast(stage.FULL)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocPageLocked(req)
}

func (f *Full_t) allocPageLocked(req Class_t) (mem.Pa_t, bool) {
	cs := &f.classes[req]
	if n := len(cs.percpu); n > 0 {
		p := cs.percpu[n-1]
		cs.percpu = cs.percpu[:n-1]
		return p, true
	}
	if cs.bud != nil {
		if unit, ok := cs.bud.Alloc(uint64(mem.PGSIZE)); ok {
			return cs.rng.Start + mem.Pa_t(unit), true
		}
	}
	if req == NONE {
		return f.allocPageLocked(UNDER4GB)
	}
	return mem.NoAddr, false
}

// AllocPages allocates n contiguous physical pages of the given class, with
// the same NONE->UNDER4GB fallback as AllocPage. The per-class free-page
// cache is bypassed for multi-page requests; it only ever holds single
// pages.
func (f *Full_t) AllocPages(req Class_t, n uint64) (mem.Pa_t, bool) {
	f.stg.MustBeAtLeast(stage.FULL)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocPagesLocked(req, n)
}

func (f *Full_t) allocPagesLocked(req Class_t, n uint64) (mem.Pa_t, bool) {
	cs := &f.classes[req]
	if cs.bud != nil {
		if unit, ok := cs.bud.Alloc(n * uint64(mem.PGSIZE)); ok {
			return cs.rng.Start + mem.Pa_t(unit), true
		}
	}
	if req == NONE {
		return f.allocPagesLocked(UNDER4GB, n)
	}
	return mem.NoAddr, false
}

// FreePage returns a single physical page, inferring its class from its
// magnitude (spec.md §4.5).
func (f *Full_t) FreePage(p mem.Pa_t) {
	f.stg.MustBeAtLeast(stage.FULL)
	f.mu.Lock()
	defer f.mu.Unlock()
	c := classOf(p)
	cs := &f.classes[c]
	if len(cs.percpu) < percpuCap {
		cs.percpu = append(cs.percpu, p)
		return
	}
	rel := uint64(p - cs.rng.Start)
	cs.bud.Free(rel, uint64(mem.PGSIZE))
}

// FreePages returns n contiguous physical pages starting at p.
func (f *Full_t) FreePages(p mem.Pa_t, n uint64) {
	f.stg.MustBeAtLeast(stage.FULL)
	f.mu.Lock()
	defer f.mu.Unlock()
	c := classOf(p)
	cs := &f.classes[c]
	rel := uint64(p - cs.rng.Start)
	cs.bud.Free(rel, n*uint64(mem.PGSIZE))
}

// PageSize returns the system page size in bytes.
func PageSize() int { return mem.PGSIZE }
