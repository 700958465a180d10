package buddy

import (
	"testing"
	"testing/quick"
)

func newTestBuddy(minOrder, maxOrder uint) *Buddy_t {
	storage := make([]byte, Overhead(minOrder, maxOrder))
	b := Init(storage, minOrder, maxOrder)
	b.FreeRange(0, b.Capacity())
	return b
}

func TestAllocFreeRoundTrip(t *testing.T) {
	b := newTestBuddy(0, 10)
	unit, ok := b.Alloc(1)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	b.Free(unit, 1)
	// the whole range should have coalesced back into a single free block
	// at maxOrder, so another full-capacity allocation must succeed.
	if _, ok := b.Alloc(b.Capacity()); !ok {
		t.Fatal("expected full coalesce after single alloc/free")
	}
}

func TestAllocDisjoint(t *testing.T) {
	b := newTestBuddy(0, 8)
	n := uint64(4)
	seen := map[uint64]bool{}
	var allocs []uint64
	for {
		u, ok := b.Alloc(n)
		if !ok {
			break
		}
		for i := u; i < u+n; i++ {
			if seen[i] {
				t.Fatalf("unit %d double-allocated", i)
			}
			seen[i] = true
		}
		allocs = append(allocs, u)
	}
	if len(allocs) == 0 {
		t.Fatal("expected at least one allocation")
	}
	for _, u := range allocs {
		b.Free(u, n)
	}
	if _, ok := b.Alloc(b.Capacity()); !ok {
		t.Fatal("expected full coalesce after freeing every allocation")
	}
}

func TestAllocExhaustion(t *testing.T) {
	b := newTestBuddy(0, 4) // capacity 16
	if _, ok := b.Alloc(17); ok {
		t.Fatal("expected over-capacity request to fail")
	}
}

// TestBuddyArithmeticInvariant checks, for a range of random split depths,
// that allocating a block (which splits the top-level block down to its
// size) and immediately freeing it coalesces everything back, so a
// full-capacity allocation succeeds again — the fundamental buddy
// coalescing invariant.
func TestBuddyArithmeticInvariant(t *testing.T) {
	f := func(seed uint8) bool {
		b := newTestBuddy(0, 6)
		cap := b.Capacity()
		n := uint64(1) << (uint(seed) % 4)
		if n > cap {
			return true
		}
		u, ok := b.Alloc(n)
		if !ok {
			return false
		}
		b.Free(u, n)
		_, ok = b.Alloc(cap)
		return ok
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestFreeRangePartial(t *testing.T) {
	storage := make([]byte, Overhead(0, 6))
	b := Init(storage, 0, 6)
	// free only the first half of the range
	half := b.Capacity() / 2
	b.FreeRange(0, half)
	if _, ok := b.Alloc(b.Capacity()); ok {
		t.Fatal("expected full-capacity alloc to fail when only half is free")
	}
	if _, ok := b.Alloc(half); !ok {
		t.Fatal("expected half-capacity alloc to succeed")
	}
}
