// Package buddy implements the Buddy allocator from spec.md §2: a
// power-of-two block allocator over a fixed address range, backed by one
// Bitmap per order, splitting and coalescing blocks on alloc/free. It is
// grounded on the original C kernel's adt/buddy.c (the split/coalesce
// control flow) and on the Fuchsia thinfs `lib/buddy` allocator, a real Go
// buddy allocator in the retrieval pack that confirms the same
// getBuddy = addr ^ (1<<order) sibling arithmetic independently of the C
// source.
package buddy

import (
	"github.com/jmtk-go/memcore/internal/bitmap"
	"github.com/jmtk-go/memcore/internal/util"
)

// Buddy_t manages a power-of-two-sized range of abstract block numbers
// [0, 1<<MaxOrder), split across bitmaps per order. Order 0 is the smallest
// block size (1 unit); order MaxOrder is the entire range as one block.
type Buddy_t struct {
	minOrder uint
	maxOrder uint
	// free[k] has a set bit at index i iff the block of order k starting
	// at unit i*2^k is free and not itself split. Index 0 covers the
	// whole range: free[maxOrder] has exactly 1 bit.
	free []*bitmap.Bitmap_t
}

// Overhead returns the number of bytes of bookkeeping storage Init needs for
// a buddy managing 2^maxOrder units with a minimum allocation granularity of
// 2^minOrder units, mirroring the original's buddy_overhead so callers (the
// Full PMM) can reserve storage for it up front rather than allocating it
// dynamically.
func Overhead(minOrder, maxOrder uint) uint64 {
	var total uint64
	for k := minOrder; k <= maxOrder; k++ {
		nblocks := uint64(1) << (maxOrder - k)
		total += bitmap.NumBytes(nblocks)
	}
	return total
}

// Init constructs a Buddy_t over caller-supplied storage of at least
// Overhead(minOrder, maxOrder) bytes. Every block starts allocated (bits
// clear); callers must call FreeRange to mark usable regions free, exactly
// as the original buddy_init leaves everything allocated until
// buddy_free_range is called for each usable span.
func Init(storage []byte, minOrder, maxOrder uint) *Buddy_t {
	if maxOrder < minOrder {
		panic("buddy: maxOrder < minOrder")
	}
	b := &Buddy_t{minOrder: minOrder, maxOrder: maxOrder}
	off := uint64(0)
	for k := minOrder; k <= maxOrder; k++ {
		nblocks := uint64(1) << (maxOrder - k)
		nbytes := bitmap.NumBytes(nblocks)
		bm := bitmap.Init(storage[off:off+nbytes], nblocks)
		b.free = append(b.free, bm)
		off += nbytes
	}
	return b
}

func (b *Buddy_t) idx(order uint) int { return int(order - b.minOrder) }

// orderFor returns the smallest order, at least minOrder, whose block size
// (in units) is >= n.
func (b *Buddy_t) orderFor(n uint64) uint {
	if n == 0 {
		n = 1
	}
	o := util.Log2Roundup(n)
	if o < b.minOrder {
		o = b.minOrder
	}
	return o
}

// Alloc finds and removes a free block able to satisfy n units, splitting a
// larger block if no block of the exact order is free. It returns the
// starting unit number and true, or (0, false) if the request cannot be
// satisfied from any larger order.
func (b *Buddy_t) Alloc(n uint64) (uint64, bool) {
	want := b.orderFor(n)
	if want > b.maxOrder {
		return 0, false
	}
	// find the smallest available order >= want with a free block
	avail := want
	for avail <= b.maxOrder {
		if idx := b.free[b.idx(avail)].FirstSet(0); idx != -1 {
			return b.allocFrom(uint64(idx), avail, want), true
		}
		avail++
	}
	return 0, false
}

// allocFrom removes the free block at (blockIdx, foundOrder) and splits it
// down to wantOrder, returning the resulting unit number.
func (b *Buddy_t) allocFrom(blockIdx uint64, foundOrder, wantOrder uint) uint64 {
	b.free[b.idx(foundOrder)].Clear(blockIdx)
	for o := foundOrder; o > wantOrder; o-- {
		// split block (blockIdx at order o) into two at order o-1:
		// left half keeps blockIdx*2, right half (the buddy) becomes free.
		left := blockIdx * 2
		right := left + 1
		b.free[b.idx(o-1)].Set(right)
		blockIdx = left
	}
	return blockIdx << wantOrder
}

// Free returns a previously allocated block (identified by the unit number
// Alloc returned and the same n passed to Alloc) to the allocator, merging
// with its buddy repeatedly while the buddy is also free, exactly as the
// original buddy_free's coalescing loop does.
func (b *Buddy_t) Free(unit, n uint64) {
	order := b.orderFor(n)
	blockIdx := unit >> order
	for order < b.maxOrder {
		buddyIdx := blockIdx ^ 1
		bm := b.free[b.idx(order)]
		if !bm.IsSet(buddyIdx) {
			break
		}
		bm.Clear(buddyIdx)
		blockIdx >>= 1
		order++
	}
	b.free[b.idx(order)].Set(blockIdx)
}

// FreeRange marks every minimum-granularity unit in [lo, lo+n) free, used to
// seed the allocator with the usable portions of a physical range (spec.md
// §4.5's free_range). Units are freed one minimum-order block at a time and
// immediately coalesced, so the end result is the same maximal free blocks
// buddy_free_range produces regardless of call order.
func (b *Buddy_t) FreeRange(lo, n uint64) {
	unit := uint64(1) << b.minOrder
	for i := lo; i < lo+n; i += unit {
		b.Free(i, unit)
	}
}

// MaxOrder returns the largest order this buddy manages.
func (b *Buddy_t) MaxOrder() uint { return b.maxOrder }

// MinOrder returns the smallest order this buddy manages.
func (b *Buddy_t) MinOrder() uint { return b.minOrder }

// Capacity returns the total number of minimum-granularity units managed.
func (b *Buddy_t) Capacity() uint64 { return uint64(1) << (b.maxOrder - b.minOrder) }
