package pmm

import (
	"sync"

	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/stage"
)

// Early_t is the bump allocator described in spec.md §4.3: consulted only
// between stage EARLY and stage FULL, holding the firmware-provided ranges
// and handing out pages from them one at a time with no free operation.
type Early_t struct {
	mu     sync.Mutex
	ranges []mem.Range_t
	stg    *stage.Machine_t
}

// NewEarly constructs an Early_t bound to the given stage machine. The
// caller must still call Seed before allocating.
func NewEarly(stg *stage.Machine_t) *Early_t {
	return &Early_t{stg: stg}
}

// Seed installs the firmware memory map and advances the stage machine from
// START to EARLY, matching the original's early_pmm_init.
func (e *Early_t) Seed(ranges []mem.Range_t) {
	e.stg.MustBe(stage.START)
	e.mu.Lock()
	defer e.mu.Unlock()
	// copy defensively; callers must not be able to mutate our ranges
	// through the slice they passed in.
	cp := make([]mem.Range_t, len(ranges))
	copy(cp, ranges)
	e.ranges = cp
	e.stg.Advance(stage.EARLY)
}

// AllocPage walks the firmware ranges, skipping any page below 1 MiB or at
// or above 4 GiB (so returned pages are always safely 32-bit and above the
// legacy BIOS area), peels one page off the first eligible range, and
// returns its physical address. It returns (mem.NoAddr, false) if no
// eligible range has a page left.
func (e *Early_t) AllocPage() (mem.Pa_t, bool) {
	e.stg.MustBe(stage.EARLY)
	e.mu.Lock()
	defer e.mu.Unlock()
	pgsz := uint64(mem.PGSIZE)
	for i := range e.ranges {
		r := &e.ranges[i]
		for r.Extent >= pgsz {
			candidate := r.Start
			// advance the range regardless of whether the candidate page
			// qualifies, so a range straddling 1 MiB or 4 GiB is walked
			// page by page rather than abandoned wholesale.
			r.Start += mem.Pa_t(pgsz)
			r.Extent -= pgsz
			if uint64(candidate) < mem.Under1MB {
				continue
			}
			if uint64(candidate) >= mem.Under4GB {
				continue
			}
			return candidate, true
		}
	}
	return mem.NoAddr, false
}

// Residual returns the firmware ranges as they stand after however many
// AllocPage calls have been made, for Full PMM's init_full to consume as
// its own starting point (spec.md §4.5: "init_full consumes the Early PMM's
// residual ranges").
func (e *Early_t) Residual() []mem.Range_t {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]mem.Range_t, len(e.ranges))
	copy(cp, e.ranges)
	return cp
}
