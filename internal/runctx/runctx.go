// Package runctx implements the Run Context: the single mutable record a
// run's Executor, Router, Cost Tracker, Verifier, and Audit Log all share.
// Every mutation goes through a narrow, mutex-guarded method — no other
// package reaches into a RunContext's fields directly.
package runctx

import (
	"context"
	"sync"

	"github.com/nexrun/wfkernel/internal/artifact"
	"github.com/nexrun/wfkernel/internal/audit"
	"github.com/nexrun/wfkernel/internal/cost"
	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Context is the run-scoped state shared across the kernel's components.
// Once created it outlives exactly one run; a new Context is built for
// each invocation of the Executor.
type Context struct {
	RunID    string
	Workflow *kernel.Workflow
	Store    *artifact.Store
	Cost     *cost.Tracker
	Audit    *audit.Log

	mu         sync.Mutex
	results    map[string]*kernel.StepResult
	cancelled  bool
	cancelFunc context.CancelFunc
}

// New creates a Context for one run of wf, wired to the given Artifact
// Store, Cost Tracker, and Audit Log. The caller owns closing the Audit
// Log once the run ends.
func New(runID string, wf *kernel.Workflow, store *artifact.Store, tracker *cost.Tracker, log *audit.Log) *Context {
	return &Context{
		RunID:    runID,
		Workflow: wf,
		Store:    store,
		Cost:     tracker,
		Audit:    log,
		results:  make(map[string]*kernel.StepResult),
	}
}

// SetResult records the terminal (or in-flight) result for a step. Once a
// step's result has reached a terminal status (kernel.StepStatus.
// IsTerminal), further calls for the same step are rejected — results are
// write-once per terminal transition, matching the immutability the
// Executor relies on when building downstream expression scopes.
func (c *Context) SetResult(r *kernel.StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.results[r.StepID]; ok && existing.Status.IsTerminal() {
		return kernel.NewStepError(kernel.ErrCodeInternal, r.StepID,
			"step result already terminal; cannot overwrite")
	}
	c.results[r.StepID] = r
	return nil
}

// Result returns the current result for a step, if any.
func (c *Context) Result(stepID string) (*kernel.StepResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[stepID]
	return r, ok
}

// Results returns a copy of every step result recorded so far, for the
// final RunSummary.
func (c *Context) Results() map[string]*kernel.StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*kernel.StepResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// WithCancel derives a cancellable context from parent and records its
// CancelFunc, so a later Cancel() call reaches any in-flight adapter call
// built from the returned context, not just the Executor's between-round
// check. Call once per run, before dispatching any step.
func (c *Context) WithCancel(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	return ctx
}

// Cancel marks the run as cancelled and cancels the context handed out by
// WithCancel. The Executor checks IsCancelled between dispatch rounds to
// stop issuing new work; in-flight steps are asked to stop cooperatively via
// ctx.Done() and are given a grace period to do so before their result is
// discarded.
func (c *Context) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	cancel := c.cancelFunc
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports whether Cancel has been called.
func (c *Context) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Summarize builds the terminal kernel.RunSummary from the Context's
// current state. status is supplied by the Executor, which alone knows
// whether the run as a whole succeeded, failed, or was aborted.
func (c *Context) Summarize(status kernel.RunStatus) kernel.RunSummary {
	snap := c.Cost.Snapshot()
	return kernel.RunSummary{
		RunID:            c.RunID,
		Status:           status,
		StepResults:      c.Results(),
		ArtifactsIndex:   c.Store.Index(),
		TokensUsedTotal:  snap.Spent,
		BudgetRemaining:  snap.BudgetRemaining,
		DrainModeEntered: snap.DrainModeEntered,
	}
}
