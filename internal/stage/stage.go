// Package stage models the memory core's boot sequence as the small
// irreversible state machine the original kernel enforces with assertions
// scattered through pmm_init_stage/vmm_init_stage (START -> EARLY -> FULL),
// and which spec.md §5 calls out as shared global mutable state requiring
// careful sequencing. Centralising it here lets every package assert its own
// preconditions the same way instead of repeating ad-hoc checks.
package stage

import "fmt"

// Stage_t is a boot phase of the memory core.
type Stage_t int

const (
	// START is the initial stage: nothing has been initialised.
	START Stage_t = iota
	// EARLY is active once the Early PMM bump allocator is usable but
	// before the Full PMM has taken over.
	EARLY
	// FULL is active once the Full PMM, VMM and higher layers are usable
	// and the Early PMM must no longer be called.
	FULL
)

func (s Stage_t) String() string {
	switch s {
	case START:
		return "START"
	case EARLY:
		return "EARLY"
	case FULL:
		return "FULL"
	default:
		return fmt.Sprintf("Stage_t(%d)", int(s))
	}
}

// Machine_t tracks the current stage and enforces that transitions only
// ever move forward (START -> EARLY -> FULL), matching the original's
// one-way boot sequence: nothing in this kernel ever re-enters an earlier
// stage.
type Machine_t struct {
	cur Stage_t
}

// New returns a Machine_t at START.
func New() *Machine_t { return &Machine_t{cur: START} }

// Current returns the machine's current stage.
func (m *Machine_t) Current() Stage_t { return m.cur }

// Advance transitions the machine to next, panicking if next is not
// strictly later than the current stage — advancing stages out of order or
// re-entering a prior one is a programming error, not a recoverable
// condition, exactly as the original's stage assertions treat it.
func (m *Machine_t) Advance(next Stage_t) {
	if next <= m.cur {
		panic(fmt.Sprintf("stage: cannot advance from %v to %v", m.cur, next))
	}
	m.cur = next
}

// MustBe panics unless the machine is currently at want, the Go analogue of
// the original's pmm_init_stage assert-on-misuse guard: call this at the top
// of any operation that only makes sense in one stage (e.g. the Early PMM's
// Alloc must only be called during EARLY).
func (m *Machine_t) MustBe(want Stage_t) {
	if m.cur != want {
		panic(fmt.Sprintf("stage: required %v, have %v", want, m.cur))
	}
}

// MustBeAtLeast panics unless the machine has reached at least want, for
// operations valid in more than one stage (e.g. the Full PMM remains usable
// once FULL is reached and stays reachable for the lifetime of the kernel).
func (m *Machine_t) MustBeAtLeast(want Stage_t) {
	if m.cur < want {
		panic(fmt.Sprintf("stage: required at least %v, have %v", want, m.cur))
	}
}
