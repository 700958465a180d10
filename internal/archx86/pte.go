// Package archx86 documents the bit-exact x86 32-bit page-table-entry
// layout spec.md §3/§6 requires be preserved verbatim, since the CPU (or,
// in this hosted build, the fault-simulation code standing in for it) reads
// these entries directly. Constant names and values are grounded on
// biscuit's mem.go PTE_* constants, which hard-code the identical bit
// positions for the identical reason.
package archx86

import "github.com/jmtk-go/memcore/internal/mem"

// x86 32-bit PTE/PDE bits. Bits 0-2, 5 and 6 are architectural; bits 9-10
// are OS-available and are repurposed here for COW and Execute, exactly as
// spec.md §3 calls for ("COW reuses one of the OS-available bits, Execute
// another").
const (
	// PTE_P marks an entry present.
	PTE_P mem.Pa_t = 1 << 0
	// PTE_W marks a page writable.
	PTE_W mem.Pa_t = 1 << 1
	// PTE_U marks a page user-accessible.
	PTE_U mem.Pa_t = 1 << 2
	// PTE_A is the hardware-set accessed bit.
	PTE_A mem.Pa_t = 1 << 5
	// PTE_D is the hardware-set dirty bit.
	PTE_D mem.Pa_t = 1 << 6
	// PTE_COW marks a page copy-on-write (OS-available bit 9). Invariant:
	// if PTE_COW is set, PTE_W must be clear.
	PTE_COW mem.Pa_t = 1 << 9
	// PTE_NX marks a page non-executable, the negated sense of the
	// architecture-neutral Execute flag (OS-available bit 10): a PTE
	// without PTE_NX is executable.
	PTE_NX mem.Pa_t = 1 << 10
	// PTE_ADDR extracts the aligned physical page number from a PTE/PDE.
	PTE_ADDR = mem.PGMASK
)

// ErrorCode_t decodes the low bits of the page-fault error code the
// architecture delivers alongside the faulting address (spec.md §4.4).
type ErrorCode_t uint32

const (
	ecPresent  ErrorCode_t = 1 << 0
	ecWrite    ErrorCode_t = 1 << 1
	ecUser     ErrorCode_t = 1 << 2
	ecReserved ErrorCode_t = 1 << 3
	ecFetch    ErrorCode_t = 1 << 4
)

// WasPresent reports whether the faulting page was mapped at all.
func (e ErrorCode_t) WasPresent() bool { return e&ecPresent != 0 }

// WasWrite reports whether the fault was caused by a write access.
func (e ErrorCode_t) WasWrite() bool { return e&ecWrite != 0 }

// WasUser reports whether the fault occurred in user mode.
func (e ErrorCode_t) WasUser() bool { return e&ecUser != 0 }

// WasReservedBitViolation reports whether the fault was caused by setting
// a reserved bit in a paging-structure entry.
func (e ErrorCode_t) WasReservedBitViolation() bool { return e&ecReserved != 0 }

// WasInstructionFetch reports whether the fault was caused by an
// instruction fetch.
func (e ErrorCode_t) WasInstructionFetch() bool { return e&ecFetch != 0 }

// Flag_t is the architecture-neutral flag set spec.md §4.4's "flag
// translation" boundary exposes to the rest of the kernel, so callers never
// touch raw PTE bits.
type Flag_t uint8

const (
	Write Flag_t = 1 << iota
	Execute
	User
	COW
)

// ToPTEBits translates an architecture-neutral flag set into the x86 PTE
// bits that implement it, always setting Present. Per spec.md §3's
// invariant, COW forces Writable clear regardless of whether Write was
// requested.
func ToPTEBits(f Flag_t) mem.Pa_t {
	bits := PTE_P
	if f&COW != 0 {
		bits |= PTE_COW
	} else if f&Write != 0 {
		bits |= PTE_W
	}
	if f&User != 0 {
		bits |= PTE_U
	}
	if f&Execute == 0 {
		bits |= PTE_NX
	}
	return bits
}

// FromPTEBits translates raw x86 PTE bits into the architecture-neutral
// flag set.
func FromPTEBits(pte mem.Pa_t) Flag_t {
	var f Flag_t
	if pte&PTE_COW != 0 {
		f |= COW
	} else if pte&PTE_W != 0 {
		f |= Write
	}
	if pte&PTE_U != 0 {
		f |= User
	}
	if pte&PTE_NX == 0 {
		f |= Execute
	}
	return f
}
