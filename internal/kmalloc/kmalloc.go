// Package kmalloc implements the general-purpose allocator (C9): small
// requests route to one of seven power-of-two slab caches, large requests
// round up to whole pages and go straight to a backing Vmspace, grounded on
// spec.md §4.9 (biscuit has no general kmalloc of its own; see DESIGN.md).
package kmalloc

import (
	"fmt"

	"github.com/jmtk-go/memcore/internal/archx86"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/slab"
	"github.com/jmtk-go/memcore/internal/util"
	"github.com/jmtk-go/memcore/internal/vmm"
	"github.com/jmtk-go/memcore/internal/vmspace"
)

// MinCacheLog2 and MaxCacheLog2 bound the slab-backed size classes: 2^3 (8
// bytes) through 2^9 (512 bytes).
const (
	MinCacheLog2 = 3
	MaxCacheLog2 = 9
	numCaches    = MaxCacheLog2 - MinCacheLog2 + 1

	headerSize = 4 // one 32-bit word
	magic      = 0x6b // 'k', arbitrary canary byte
)

// Allocator_t dispatches kmalloc/kfree requests between the slab caches and
// a page-granular Vmspace for any request that, with its header, is larger
// than 1<<MaxCacheLog2 bytes.
type Allocator_t struct {
	caches [numCaches]*slab.Cache_t
	vm     *vmm.Manager_t
	space  *vmm.Space_t
	vms    *vmspace.Vmspace_t
}

// New creates the seven static slab caches, one per power of two in
// [MinCacheLog2, MaxCacheLog2], all sharing the given backing Vmspace.
func New(vm *vmm.Manager_t, space *vmm.Space_t, vms *vmspace.Vmspace_t) *Allocator_t {
	a := &Allocator_t{vm: vm, space: space, vms: vms}
	for k := MinCacheLog2; k <= MaxCacheLog2; k++ {
		a.caches[k-MinCacheLog2] = slab.Create(vm, space, vms, 1<<uint(k), nil)
	}
	return a
}

// header is the one-word prefix written immediately before every returned
// pointer: the low byte is the log2 size class, the next byte (bits 8-15)
// is the magic canary (spec.md's "(magic << 8) | k").
func packHeader(k int) uint32 { return uint32(magic)<<8 | uint32(k) }

func unpackHeader(h uint32) (magicByte byte, k int) {
	return byte(h >> 8), int(h & 0xff)
}

// Alloc returns a pointer to an n-byte allocation with a hidden one-word
// header, or (mem.NoVaddr, err) on exhaustion (memerr.ENOHEAP or
// memerr.ENOMEM; see slab.Cache_t.Alloc and vmspace.Vmspace_t.Alloc).
func (a *Allocator_t) Alloc(n uint64) (mem.Va_t, error) {
	total := n + headerSize
	k := classFor(total)

	if k <= MaxCacheLog2 {
		obj, err := a.caches[k-MinCacheLog2].Alloc()
		if err != nil {
			return mem.NoVaddr, err
		}
		a.writeHeader(obj, k)
		return obj + headerSize, nil
	}

	v, err := a.vms.Alloc(largeAllocSize(k), true, archx86.Write)
	if err != nil {
		return mem.NoVaddr, err
	}
	a.writeHeader(v, k)
	return v + headerSize, nil
}

// largeAllocSize returns the byte size kfree must pass back to the Vmspace
// for a header whose class is k, derived purely from k (not from the
// caller's original n) so Free can recompute the exact value Alloc used
// without the header needing a second word for the real size: 1<<k is by
// construction >= the requested n plus its header, so rounding it up to a
// whole page is always a superset of what was actually requested.
func largeAllocSize(k int) uint64 {
	return util.Roundup(uint64(1)<<uint(k), uint64(mem.PGSIZE))
}

// Free releases an allocation previously returned by Alloc, after verifying
// its header canary.
func (a *Allocator_t) Free(p mem.Va_t) {
	hdrAddr := p - headerSize
	phys := a.physOf(hdrAddr)
	raw := mem.Ram.Dmap8(phys)
	h := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	gotMagic, k := unpackHeader(h)
	if gotMagic != magic {
		panic(fmt.Sprintf("kmalloc: corrupted heap header at %#x: got magic %#x, want %#x", hdrAddr, gotMagic, magic))
	}

	if k <= MaxCacheLog2 {
		a.caches[k-MinCacheLog2].Free(hdrAddr)
		return
	}
	a.vms.Free(largeAllocSize(k), hdrAddr, true)
}

func (a *Allocator_t) writeHeader(v mem.Va_t, k int) {
	h := packHeader(k)
	raw := mem.Ram.Dmap8(a.physOf(v))
	raw[0] = byte(h)
	raw[1] = byte(h >> 8)
	raw[2] = byte(h >> 16)
	raw[3] = byte(h >> 24)
}

func (a *Allocator_t) physOf(v mem.Va_t) mem.Pa_t {
	p, _, ok := a.vm.GetMapping(a.space, v)
	if !ok {
		panic("kmalloc: address not mapped")
	}
	return p + mem.Pa_t(v)&mem.PGOFFSET
}

// classFor returns ceil(log2(n)), clamped to at least MinCacheLog2.
func classFor(n uint64) int {
	k := util.Log2Roundup(n)
	if k < MinCacheLog2 {
		k = MinCacheLog2
	}
	return int(k)
}
