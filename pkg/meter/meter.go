// Package meter implements the deterministic compute budget accounting for
// sBPF execution.
//
// A Meter is seeded with a caller-provided budget and debited by the
// execution engine for every retired instruction (interpreted mode) or for
// every compiled basic block (compiled mode), and by syscall handlers for
// their declared costs. A run that exhausts its budget terminates with
// ErrBudgetExceeded and zero remaining units.
package meter

import (
	"errors"
	"sync/atomic"
)

// Budget limits.
const (
	// BudgetDefault is the default compute unit budget per invocation.
	BudgetDefault = uint64(200_000)

	// BudgetMax is the maximum compute unit budget per invocation.
	BudgetMax = uint64(1_400_000)
)

var (
	// ErrBudgetExceeded is returned when the compute budget is exhausted.
	ErrBudgetExceeded = errors.New("compute budget exceeded")
)

// Meter tracks compute unit consumption for a single invocation.
//
// A Meter is owned by one VM instance for the duration of a run, but the
// counter operations are atomic so a caller may observe Remaining() from
// another goroutine while a run is in flight.
type Meter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	disabled  bool
}

// New creates a meter seeded with the given budget, capped at BudgetMax.
func New(budget uint64) *Meter {
	if budget > BudgetMax {
		budget = BudgetMax
	}
	return &Meter{
		remaining: budget,
		limit:     budget,
	}
}

// NewDisabled creates a meter that never exhausts (for tests and tooling).
func NewDisabled() *Meter {
	return &Meter{
		remaining: BudgetMax,
		limit:     BudgetMax,
		disabled:  true,
	}
}

// Consume attempts to debit cost units.
// On exhaustion the remaining balance is forced to zero and
// ErrBudgetExceeded is returned; the caller must abort the run.
func (m *Meter) Consume(cost uint64) error {
	if m.disabled {
		return nil
	}

	for {
		remaining := atomic.LoadUint64(&m.remaining)
		if remaining < cost {
			atomic.StoreUint64(&m.remaining, 0)
			atomic.AddUint64(&m.consumed, remaining)
			return ErrBudgetExceeded
		}
		if atomic.CompareAndSwapUint64(&m.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&m.consumed, cost)
			return nil
		}
	}
}

// Credit returns cost units to the meter.
//
// Only the compiled engine calls this, to reconcile a statically charged
// basic block whose tail never retired because an instruction faulted
// mid-block. It never lifts remaining above the original budget.
func (m *Meter) Credit(cost uint64) {
	if m.disabled || cost == 0 {
		return
	}

	for {
		remaining := atomic.LoadUint64(&m.remaining)
		credited := remaining + cost
		if credited > m.limit {
			credited = m.limit
		}
		if atomic.CompareAndSwapUint64(&m.remaining, remaining, credited) {
			atomic.AddUint64(&m.consumed, ^(credited - remaining - 1))
			return
		}
	}
}

// Remaining returns the remaining compute units.
func (m *Meter) Remaining() uint64 {
	return atomic.LoadUint64(&m.remaining)
}

// Consumed returns the total consumed compute units.
func (m *Meter) Consumed() uint64 {
	return atomic.LoadUint64(&m.consumed)
}

// Limit returns the budget the meter was seeded with.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// IsExhausted returns true if no compute units remain.
func (m *Meter) IsExhausted() bool {
	return atomic.LoadUint64(&m.remaining) == 0
}

// Reset restores the meter to its initial budget.
func (m *Meter) Reset() {
	atomic.StoreUint64(&m.remaining, m.limit)
	atomic.StoreUint64(&m.consumed, 0)
}
