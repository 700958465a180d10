package pmm

import "github.com/jmtk-go/memcore/internal/mem"

// splitRange returns the portion of r that falls inside [lo, hi), or an
// empty range if r does not intersect [lo, hi) at all. The original C
// kernel's split_range (src/pmm.c) is a single-cut function that mutates its
// range argument in place at one boundary and returns the peeled prefix;
// this is a non-mutating two-bound intersection-clip instead, functionally
// equivalent to the original only for the three-cut sequence InitFull drives
// it with: the firmware memory map is a handful of disjoint ranges that
// rarely align to class boundaries, so init_full must carve each one across
// the class it straddles.
func splitRange(r mem.Range_t, lo, hi mem.Pa_t) mem.Range_t {
	start := r.Start
	end := r.End()
	if start < lo {
		start = lo
	}
	if end > hi {
		end = hi
	}
	if end <= start {
		return mem.Range_t{}
	}
	return mem.Range_t{Start: start, Extent: uint64(end - start)}
}

// removeRange returns r with the portion overlapping excl carved out,
// yielding zero, one, or two resulting ranges. This mirrors the original's
// x86/free_memory.c remove_range, used to keep the kernel's own image out of
// the ranges handed to free_range.
func removeRange(r, excl mem.Range_t) []mem.Range_t {
	rStart, rEnd := r.Start, r.End()
	eStart, eEnd := excl.Start, excl.End()
	if excl.Empty() || eEnd <= rStart || eStart >= rEnd {
		if r.Empty() {
			return nil
		}
		return []mem.Range_t{r}
	}
	var out []mem.Range_t
	if eStart > rStart {
		out = append(out, mem.Range_t{Start: rStart, Extent: uint64(eStart - rStart)})
	}
	if eEnd < rEnd {
		out = append(out, mem.Range_t{Start: eEnd, Extent: uint64(rEnd - eEnd)})
	}
	return out
}
