package pmm

import (
	"testing"

	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/stage"
)

const testExtent = 64 * 1024 * 1024 // 64 MiB, small enough for a fast unit test

func bootFull(t *testing.T) *Full_t {
	t.Helper()
	stg := stage.New()
	early := NewEarly(stg)
	early.Seed([]mem.Range_t{{Start: 0, Extent: testExtent}})
	full := NewFull(stg, nil)
	if err := full.InitFull(early, testExtent, mem.Range_t{}); err != nil {
		t.Fatalf("InitFull: %v", err)
	}
	return full
}

func TestEarlyAllocSkipsLowAndHighRanges(t *testing.T) {
	stg := stage.New()
	e := NewEarly(stg)
	e.Seed([]mem.Range_t{
		{Start: mem.Pa_t(mem.Under4GB), Extent: 2 * uint64(mem.PGSIZE)}, // entirely above 4 GiB
		{Start: 0, Extent: 2 * 1024 * 1024},                             // spans across 1 MiB
	})
	p, ok := e.AllocPage()
	if !ok {
		t.Fatal("expected a page")
	}
	if uint64(p) < mem.Under1MB {
		t.Fatalf("expected page >= 1MiB, got %#x", p)
	}
	if uint64(p) >= mem.Under4GB {
		t.Fatalf("expected page < 4GiB, got %#x", p)
	}
}

func TestClassContainment(t *testing.T) {
	full := bootFull(t)
	if p, ok := full.AllocPage(UNDER1MB); ok && uint64(p) >= mem.Under1MB {
		t.Fatalf("UNDER1MB alloc out of range: %#x", p)
	}
	if p, ok := full.AllocPage(UNDER4GB); ok && uint64(p) >= mem.Under4GB {
		t.Fatalf("UNDER4GB alloc out of range: %#x", p)
	}
}

func TestNoneFallsBackToUnder4GB(t *testing.T) {
	full := bootFull(t) // testExtent < 4GiB, so NONE class is empty
	p, ok := full.AllocPage(NONE)
	if !ok {
		t.Fatal("expected NONE to fall back to UNDER4GB and succeed")
	}
	if uint64(p) >= mem.Under4GB {
		t.Fatalf("expected fallback result < 4GiB, got %#x", p)
	}
}

func TestAllocFreeRoundTripsThroughPercpuCache(t *testing.T) {
	full := bootFull(t)
	p, ok := full.AllocPage(UNDER4GB)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	full.FreePage(p)
	p2, ok := full.AllocPage(UNDER4GB)
	if !ok {
		t.Fatal("expected re-alloc to succeed")
	}
	if p2 != p {
		t.Fatalf("expected percpu cache to return the same page, got %#x want %#x", p2, p)
	}
}

func TestKernelImageExcluded(t *testing.T) {
	stg := stage.New()
	early := NewEarly(stg)
	early.Seed([]mem.Range_t{{Start: mem.Pa_t(mem.Under1MB), Extent: 4 * 1024 * 1024}})
	full := NewFull(stg, nil)
	excl := mem.Range_t{Start: mem.Pa_t(mem.Under1MB), Extent: 1024 * 1024}
	if err := full.InitFull(early, mem.Under1MB+4*1024*1024, excl); err != nil {
		t.Fatalf("InitFull: %v", err)
	}
	seen := map[mem.Pa_t]bool{}
	for {
		p, ok := full.AllocPage(UNDER4GB)
		if !ok {
			break
		}
		if p >= excl.Start && p < excl.End() {
			t.Fatalf("allocated page %#x inside excluded kernel image range", p)
		}
		seen[p] = true
	}
	if len(seen) == 0 {
		t.Fatal("expected some allocations outside the excluded range")
	}
}

func TestStageGuardsAllocBeforeFull(t *testing.T) {
	stg := stage.New()
	full := NewFull(stg, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling AllocPage before stage FULL")
		}
	}()
	full.AllocPage(UNDER1MB)
}
