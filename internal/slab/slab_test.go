package slab

import (
	"testing"

	"github.com/jmtk-go/memcore/internal/archx86"
	"github.com/jmtk-go/memcore/internal/cow"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/pmm"
	"github.com/jmtk-go/memcore/internal/stage"
	"github.com/jmtk-go/memcore/internal/vmm"
	"github.com/jmtk-go/memcore/internal/vmspace"
)

const testExtent = 64 * 1024 * 1024

func bootCache(t *testing.T, objectSize int, prototype []byte) *Cache_t {
	t.Helper()
	stg := stage.New()
	early := pmm.NewEarly(stg)
	early.Seed([]mem.Range_t{{Start: 0, Extent: testExtent}})
	full := pmm.NewFull(stg, nil)
	if err := full.InitFull(early, testExtent, mem.Range_t{}); err != nil {
		t.Fatalf("InitFull: %v", err)
	}
	vm := vmm.New(stg, early, full, cow.New())
	space, err := vm.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	vs, err := vmspace.Init(vm, space, full, mem.Va_t(0x40000000), 4*1024*1024)
	if err != nil {
		t.Fatalf("vmspace.Init: %v", err)
	}
	return Create(vm, space, vs, objectSize, prototype)
}

func TestAllocDistinctAddresses(t *testing.T) {
	c := bootCache(t, 32, nil)
	seen := make(map[mem.Va_t]bool)
	for i := 0; i < 64; i++ {
		obj, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if seen[obj] {
			t.Fatalf("duplicate object address %#x", obj)
		}
		seen[obj] = true
	}
}

func TestAllocWritesAreIsolated(t *testing.T) {
	c := bootCache(t, 16, nil)
	a, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	mem.Ram.Dmap8(c.physOf(a))[0] = 0xAA
	mem.Ram.Dmap8(c.physOf(b))[0] = 0xBB
	if mem.Ram.Dmap8(c.physOf(a))[0] != 0xAA {
		t.Fatal("object a's byte was clobbered")
	}
}

func TestPrototypeCopiedOnAlloc(t *testing.T) {
	proto := []byte{1, 2, 3, 4}
	c := bootCache(t, 4, proto)
	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	got := mem.Ram.Dmap8(c.physOf(obj))[:4]
	for i, want := range proto {
		if got[i] != want {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want)
		}
	}
}

func TestFreeAllowsReuse(t *testing.T) {
	c := bootCache(t, 64, nil)
	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c.Free(obj)
	obj2, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if obj2 != obj {
		t.Fatalf("expected the freed slot to be reused, got %#x want %#x", obj2, obj)
	}
}

func TestSecondChunkAllocatedWhenFirstIsFull(t *testing.T) {
	const objSize = 256
	c := bootCache(t, objSize, nil)
	nslots := mem.PGSIZE / objSize
	var bases = make(map[mem.Va_t]bool)
	for i := 0; i < nslots+1; i++ {
		obj, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		base := mem.Va_t(uint32(obj) &^ uint32(ChunkSize-1))
		bases[base] = true
	}
	if len(bases) < 2 {
		t.Fatal("expected allocation to have spilled into a second chunk")
	}
}

func TestEmptyNonHeadSlabIsReturnedToVmspace(t *testing.T) {
	const objSize = 512
	c := bootCache(t, objSize, nil)
	nslots := mem.PGSIZE / objSize

	// fill the head slab
	head := make([]mem.Va_t, 0, nslots)
	for i := 0; i < nslots; i++ {
		obj, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc head[%d]: %v", i, err)
		}
		head = append(head, obj)
	}
	// force a second chunk and fully populate it
	second := make([]mem.Va_t, 0, nslots)
	for i := 0; i < nslots; i++ {
		obj, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc second[%d]: %v", i, err)
		}
		second = append(second, obj)
	}
	if len(c.slabs) != 2 {
		t.Fatalf("expected exactly 2 slabs, got %d", len(c.slabs))
	}

	for _, obj := range second {
		c.Free(obj)
	}
	if c.slabs[1] != nil {
		t.Fatal("expected the fully-freed non-head slab to be released")
	}

	// head slab must remain even when fully emptied
	for _, obj := range head {
		c.Free(obj)
	}
	if c.slabs[0] == nil {
		t.Fatal("expected the head slab to survive even when fully empty")
	}
}

func TestAllocAfterFlagsHonoured(t *testing.T) {
	c := bootCache(t, 64, nil)
	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_, flags, ok := c.vm.GetMapping(c.space, obj)
	if !ok {
		t.Fatal("expected chunk to be mapped")
	}
	if flags&archx86.Write == 0 {
		t.Fatal("expected chunk mapped writable")
	}
}
