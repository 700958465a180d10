// Package cow implements the copy-on-write reference-count table (C6): a
// sparse counter per physical page, incremented whenever a COW PTE is
// installed and decremented whenever one is torn down or resolved.
//
// spec.md §4.6 describes the table as a flat array indexed by physical page
// number, lazily backed by pages touched on demand. In this hosted build,
// physical memory (internal/mem) is itself already a lazily-populated
// sparse map rather than one contiguous arena — modelling the refcount
// table as a *second* lazily-mapped virtual range backed through the VMM
// would duplicate that exact mechanism for no behavioural difference an
// external caller could observe, so it is realized directly as a Go map
// keyed by physical page number (documented as an Open Question resolution
// in DESIGN.md). The counters themselves are grounded on biscuit's
// Physmem_t.Refup/Refdown, which use atomic.AddInt32 on a shared array
// precisely because more than one address space's lock can be held while
// touching the same physical page's count — this package keeps that same
// atomic-increment idiom rather than the single VMM-lock-covers-everything
// assumption spec.md §4.6 states, since two different address spaces only
// ever hold their *own* per-space lock, not each other's.
package cow

import (
	"sync"
	"sync/atomic"

	"github.com/jmtk-go/memcore/internal/mem"
)

// Table_t is the sparse COW refcount table.
type Table_t struct {
	mu     sync.Mutex
	counts map[mem.Pa_t]*int32
}

// New returns an empty Table_t.
func New() *Table_t {
	return &Table_t{counts: make(map[mem.Pa_t]*int32)}
}

func (t *Table_t) slot(p mem.Pa_t) *int32 {
	base := p & mem.PGMASK
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.counts[base]
	if !ok {
		s = new(int32)
		t.counts[base] = s
	}
	return s
}

// Inc increments p's refcount and returns the new value.
func (t *Table_t) Inc(p mem.Pa_t) int32 {
	return atomic.AddInt32(t.slot(p), 1)
}

// Dec decrements p's refcount and returns the new value.
func (t *Table_t) Dec(p mem.Pa_t) int32 {
	return atomic.AddInt32(t.slot(p), -1)
}

// Refcount reads p's current refcount without modifying it.
func (t *Table_t) Refcount(p mem.Pa_t) int32 {
	return atomic.LoadInt32(t.slot(p))
}
