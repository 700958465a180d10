package vmm

import (
	"testing"

	"github.com/jmtk-go/memcore/internal/archx86"
	"github.com/jmtk-go/memcore/internal/cow"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/pmm"
	"github.com/jmtk-go/memcore/internal/stage"
)

const testExtent = 64 * 1024 * 1024

func bootManager(t *testing.T) (*Manager_t, *pmm.Full_t) {
	t.Helper()
	stg := stage.New()
	early := pmm.NewEarly(stg)
	early.Seed([]mem.Range_t{{Start: 0, Extent: testExtent}})
	full := pmm.NewFull(stg, nil)
	if err := full.InitFull(early, testExtent, mem.Range_t{}); err != nil {
		t.Fatalf("InitFull: %v", err)
	}
	return New(stg, early, full, cow.New()), full
}

func allocUserPage(t *testing.T, full *pmm.Full_t) mem.Pa_t {
	t.Helper()
	p, ok := full.AllocPage(pmm.UNDER4GB)
	if !ok {
		t.Fatal("expected a free page")
	}
	return p
}

func TestMappingRoundTrip(t *testing.T) {
	m, full := bootManager(t)
	space, err := m.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	p := allocUserPage(t, full)
	v := mem.Va_t(0x40000000)
	if err := m.Map(space, v, p, 1, archx86.Write|archx86.User); err != nil {
		t.Fatalf("Map: %v", err)
	}
	gotP, gotF, ok := m.GetMapping(space, v)
	if !ok {
		t.Fatal("expected mapping to be present")
	}
	if gotP != p {
		t.Fatalf("got phys %#x, want %#x", gotP, p)
	}
	if gotF != archx86.Write|archx86.User {
		t.Fatalf("got flags %v, want Write|User", gotF)
	}
}

func TestCOWFlagStripsWrite(t *testing.T) {
	m, full := bootManager(t)
	space, _ := m.NewSpace()
	p := allocUserPage(t, full)
	v := mem.Va_t(0x60000000)
	if err := m.Map(space, v, p, 1, archx86.COW|archx86.Write|archx86.User); err != nil {
		t.Fatalf("Map: %v", err)
	}
	_, flags, ok := m.GetMapping(space, v)
	if !ok {
		t.Fatal("expected mapping")
	}
	if flags&archx86.Write != 0 {
		t.Fatal("expected Write to be stripped when COW is set")
	}
	if flags&archx86.COW == 0 {
		t.Fatal("expected COW flag observed")
	}
}

func TestIterationMonotonicity(t *testing.T) {
	m, full := bootManager(t)
	space, _ := m.NewSpace()
	base := mem.Va_t(0x40000000)
	for i := 0; i < 4; i++ {
		p := allocUserPage(t, full)
		if err := m.Map(space, base+mem.Va_t(i*mem.PGSIZE), p, 1, archx86.Write); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
	cur := base - mem.Va_t(mem.PGSIZE)
	var visited []mem.Va_t
	for {
		next, ok := m.IterateMappings(space, cur)
		if !ok {
			break
		}
		visited = append(visited, next)
		cur = next
	}
	if len(visited) != 4 {
		t.Fatalf("visited %d pages, want 4: %v", len(visited), visited)
	}
	for i, v := range visited {
		want := base + mem.Va_t(i*mem.PGSIZE)
		if v != want {
			t.Fatalf("visited[%d] = %#x, want %#x", i, v, want)
		}
	}
}

func TestDoubleMapPanics(t *testing.T) {
	m, full := bootManager(t)
	space, _ := m.NewSpace()
	p := allocUserPage(t, full)
	v := mem.Va_t(0x50000000)
	if err := m.Map(space, v, p, 1, archx86.Write); err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double map")
		}
	}()
	p2 := allocUserPage(t, full)
	m.Map(space, v, p2, 1, archx86.Write)
}

func TestUnmapDecrementsCOWRefcount(t *testing.T) {
	m, full := bootManager(t)
	space, _ := m.NewSpace()
	p := allocUserPage(t, full)
	v := mem.Va_t(0x70000000)
	if err := m.Map(space, v, p, 1, archx86.COW|archx86.Write); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := m.cow.Refcount(p); got != 1 {
		t.Fatalf("refcount after map = %d, want 1", got)
	}
	m.Unmap(space, v, 1)
	if got := m.cow.Refcount(p); got != 0 {
		t.Fatalf("refcount after unmap = %d, want 0", got)
	}
}

func TestCOWWriteFaultResolution(t *testing.T) {
	m, full := bootManager(t)
	space, _ := m.NewSpace()
	p := allocUserPage(t, full)
	v := mem.Va_t(0x60000000)
	mem.Ram.Dmap8(p)[0] = 0xAB

	// simulate two sharers, as clone would produce
	if err := m.Map(space, v, p, 1, archx86.COW|archx86.Write); err != nil {
		t.Fatalf("Map: %v", err)
	}
	m.cow.Inc(p) // pretend a second address space also shares p

	var trapped string
	m.Trap = func(msg string) { trapped = msg }

	err := m.PageFault(space, v, archx86.ErrorCode_t(1|2)) // present, write
	if err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	if trapped != "" {
		t.Fatalf("expected no trap, got %q", trapped)
	}

	newP, flags, ok := m.GetMapping(space, v)
	if !ok {
		t.Fatal("expected mapping to remain after resolution")
	}
	if newP == p {
		t.Fatal("expected a fresh physical page after COW resolution")
	}
	if flags&archx86.COW != 0 {
		t.Fatal("expected COW cleared after resolution")
	}
	if flags&archx86.Write == 0 {
		t.Fatal("expected Write set after resolution")
	}
	if mem.Ram.Dmap8(newP)[0] != 0xAB {
		t.Fatal("expected fresh page to carry over the old contents")
	}
	if got := m.cow.Refcount(p); got != 1 {
		t.Fatalf("old page refcount = %d, want 1 (one remaining sharer)", got)
	}
}

func TestCOWSingleSharerClaimsInPlace(t *testing.T) {
	m, full := bootManager(t)
	space, _ := m.NewSpace()
	p := allocUserPage(t, full)
	v := mem.Va_t(0x60000000)
	if err := m.Map(space, v, p, 1, archx86.COW|archx86.Write); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.PageFault(space, v, archx86.ErrorCode_t(1|2)); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	newP, flags, ok := m.GetMapping(space, v)
	if !ok {
		t.Fatal("expected mapping")
	}
	if newP != p {
		t.Fatal("expected the sole sharer to reuse its own page rather than copy")
	}
	if flags&archx86.COW != 0 {
		t.Fatal("expected COW cleared")
	}
}

func TestCloneIsolationWithCOW(t *testing.T) {
	m, full := bootManager(t)
	src, _ := m.NewSpace()
	p := allocUserPage(t, full)
	v := mem.Va_t(0x61000000)
	if err := m.Map(src, v, p, 1, archx86.Write); err != nil {
		t.Fatalf("Map: %v", err)
	}
	mem.Ram.Dmap8(p)[0] = 1

	dst, err := m.CloneAddressSpace(src, true)
	if err != nil {
		t.Fatalf("CloneAddressSpace: %v", err)
	}
	if !m.IsMapped(dst, v) {
		t.Fatal("expected clone to see the mapping")
	}
	_, flags, _ := m.GetMapping(dst, v)
	if flags&archx86.COW == 0 {
		t.Fatal("expected clone's mapping to be COW")
	}
	_, srcFlags, _ := m.GetMapping(src, v)
	if srcFlags&archx86.COW == 0 {
		t.Fatal("expected source's own mapping to also become COW")
	}
	if got := m.cow.Refcount(p); got != 2 {
		t.Fatalf("refcount after clone = %d, want 2", got)
	}

	// write in the child: child's mapping gets a fresh page, parent's is untouched
	if err := m.PageFault(dst, v, archx86.ErrorCode_t(1|2)); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	mem.Ram.Dmap8(mustPhys(t, m, dst, v))[0] = 2

	if mem.Ram.Dmap8(mustPhys(t, m, src, v))[0] != 1 {
		t.Fatal("expected parent's page to be unaffected by child's write")
	}
	childP := mustPhys(t, m, dst, v)
	if mem.Ram.Dmap8(childP)[0] != 2 {
		t.Fatal("expected child's write to have landed")
	}
}

func mustPhys(t *testing.T, m *Manager_t, space *Space_t, v mem.Va_t) mem.Pa_t {
	t.Helper()
	p, _, ok := m.GetMapping(space, v)
	if !ok {
		t.Fatalf("expected %#x to be mapped", v)
	}
	return p
}
