// Package cost implements the Cost Tracker: a mutex-guarded token budget
// that the Executor consults before dispatching a step and settles once the
// adapter reports actual usage.
package cost

import (
	"sync"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Reservation is a provisional hold against the budget, made before an
// adapter runs (using the adapter's estimated cost) and settled once the
// adapter's actual usage is known.
type Reservation struct {
	StepID   string
	Estimate int
}

// Tracker is the run-scoped token budget. A single Tracker is shared by
// every step dispatched by the Executor's worker pool.
type Tracker struct {
	mu          sync.Mutex
	max         int
	reserved    int
	spent       int
	drainMode   string
	drainEntered bool
}

// New creates a Tracker for a run with the given policy. A zero max means
// unlimited (no budget enforcement; reserve/settle still track spend for
// reporting).
func New(policy kernel.Policy) *Tracker {
	return &Tracker{max: policy.MaxTokens, drainMode: policy.EffectiveDrainMode()}
}

// Remaining returns the budget not yet reserved or spent, floored at 0. An
// unlimited budget (max == 0) also reports 0, as unbounded is not
// representable; callers that gate dispatch on Remaining check Unlimited
// first.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *Tracker) remainingLocked() int {
	if t.max == 0 {
		return 0
	}
	remaining := t.max - t.spent - t.reserved
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Unlimited reports whether this Tracker enforces no budget ceiling.
func (t *Tracker) Unlimited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max == 0
}

// DrainModeEntered reports whether the run has ever overdrawn its budget.
func (t *Tracker) DrainModeEntered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drainEntered
}

// ShouldSkip reports whether a step with the given estimated cost should be
// skipped outright because the run is in drain mode. A zero estimate is
// only skipped under DrainModeSkipAll.
func (t *Tracker) ShouldSkip(estimate int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.drainEntered {
		return false
	}
	if t.drainMode == kernel.DrainModeSkipAll {
		return true
	}
	return estimate > 0
}

// Reserve holds estimate tokens against the remaining budget for stepID. It
// never fails: a reservation that overdraws the budget still succeeds (the
// step has already been routed), but flips the tracker into drain mode so
// subsequent steps are skipped per the policy's drain mode.
func (t *Tracker) Reserve(stepID string, estimate int) Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reserved += estimate
	if t.max != 0 && t.spent+t.reserved > t.max {
		t.drainEntered = true
	}
	return Reservation{StepID: stepID, Estimate: estimate}
}

// Settle releases a reservation and records the adapter's actual usage.
// actual may differ from the reservation's estimate in either direction;
// overdraw (actual usage pushing total spend past max with no remaining
// reservation slack) is reported via error but the spend is still recorded
// — the cost already happened, the Tracker just can't undo it. This is the
// ordinary, spec-sanctioned drain-mode case, not a CostOverflowError: the
// budget was simply spent past its ceiling, not handed a value outside any
// representable range.
func (t *Tracker) Settle(r Reservation, actual int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reserved -= r.Estimate
	if t.reserved < 0 {
		t.reserved = 0
	}
	t.spent += actual

	if t.max != 0 && t.spent > t.max {
		t.drainEntered = true
		return kernel.NewStepError(kernel.ErrCodeBudgetExhausted, r.StepID,
			"actual token usage pushed the run past its budget ceiling")
	}
	return nil
}

// Snapshot reports the Tracker's current totals for a run.ended audit event
// or RunSummary.
type Snapshot struct {
	Spent            int
	Reserved         int
	BudgetRemaining  int
	DrainModeEntered bool
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Spent:            t.spent,
		Reserved:         t.reserved,
		BudgetRemaining:  t.remainingLocked(),
		DrainModeEntered: t.drainEntered,
	}
}
