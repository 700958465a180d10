// Package memerr defines the error vocabulary shared by the memory-management
// core, in the spirit of biscuit's defs.Err_t: a small closed set of
// negative-valued codes for conditions a caller can recover from, with every
// other failure mode left to panic.
package memerr

// Err_t is a recoverable error code returned across the external interfaces
// in spec.md §6. Zero means success.
type Err_t int

const (
	// EFAULT means the faulting or requested address is not mapped and
	// has no backing store (a VMA/region lookup failed).
	EFAULT Err_t = -1 - iota
	// ENOMEM means a physical page, virtual range, or page-table page
	// could not be obtained to satisfy the request.
	ENOMEM
	// ENOHEAP mirrors biscuit's bounds-checked ENOHEAP: the calling
	// context's resource budget was exhausted before the operation
	// completed.
	ENOHEAP
	// EINVAL mirrors biscuit's defs.EINVAL: an argument violates a
	// precondition the caller was responsible for (e.g. a misaligned
	// address) rather than a transient resource shortage.
	EINVAL
)

// Error implements the error interface so Err_t can be returned directly
// from functions with a conventional Go signature, per spec.md §7's policy
// that out-of-memory conditions surface as a sentinel rather than a panic.
func (e Err_t) Error() string { return e.String() }

// String renders an Err_t for diagnostics.
func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case ENOHEAP:
		return "ENOHEAP"
	case EINVAL:
		return "EINVAL"
	default:
		return "unknown error"
	}
}
