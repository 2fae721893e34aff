// Package executor implements the Executor: the orchestration state
// machine that walks a workflow's resolved RunPlan rank by rank, routes
// each step to an adapter, dispatches it through a bounded worker pool,
// settles its cost against the run's budget, verifies its declared
// artifacts and gates, retries transient failures per policy, and records
// every lifecycle point to the Audit Log.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/nexrun/wfkernel/internal/adapter"
	"github.com/nexrun/wfkernel/internal/artifact"
	"github.com/nexrun/wfkernel/internal/expressions"
	"github.com/nexrun/wfkernel/internal/logging"
	"github.com/nexrun/wfkernel/internal/plan"
	"github.com/nexrun/wfkernel/internal/router"
	"github.com/nexrun/wfkernel/internal/runctx"
	"github.com/nexrun/wfkernel/internal/verifier"
	"github.com/nexrun/wfkernel/pkg/kernel"
)

// defaultStepTimeout bounds a step that declares no timeout of its own and
// whose Executor carries no DefaultStepTimeout override.
const defaultStepTimeout = 5 * time.Minute

// cancellationGracePeriod is how long a dispatched adapter call is given to
// observe ctx.Done() and return after the run is cancelled, before its
// result is discarded and the step is marked aborted regardless.
const cancellationGracePeriod = 10 * time.Second

// Executor drives one run to completion.
type Executor struct {
	router     *router.Router
	verifier   *verifier.Verifier
	propertyEngine expressions.Engine
	logger     *slog.Logger

	// DefaultStepTimeout overrides defaultStepTimeout for steps that
	// declare no Step.Timeout. Zero keeps the package default.
	DefaultStepTimeout time.Duration
}

// New creates an Executor wired to the given Router and Verifier.
// propertyEngine backs `when` predicates of kind artifact_property (a jq engine
// is the natural fit, matching the Verifier's own use of jq for its custom
// gate); nil means artifact_property predicates always fail evaluation.
// logger may be nil, in which case slog.Default() is used.
func New(rt *router.Router, vf *verifier.Verifier, propertyEngine expressions.Engine, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{router: rt, verifier: vf, propertyEngine: propertyEngine, logger: logger}
}

func (e *Executor) stepTimeout(step kernel.Step) time.Duration {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil {
			return d
		}
	}
	if e.DefaultStepTimeout > 0 {
		return e.DefaultStepTimeout
	}
	return defaultStepTimeout
}

// Run drives rc's workflow to completion and returns the terminal
// kernel.RunSummary. Run owns rc.Audit and closes it before returning,
// even on a planning error.
func (e *Executor) Run(ctx context.Context, rc *runctx.Context) (kernel.RunSummary, error) {
	defer func() { _ = rc.Audit.Close() }()
	ctx = rc.WithCancel(ctx)

	wf := rc.Workflow
	runPlan, err := plan.Build(wf)
	if err != nil {
		_ = rc.Audit.Append(kernel.EventError, "", map[string]any{"error": err.Error()})
		return rc.Summarize(kernel.RunAborted), err
	}

	_ = rc.Audit.Append(kernel.EventRunStarted, "", map[string]any{
		"workflow": wf.Name,
		"steps":    len(wf.Steps),
	})

	pool := NewWorkerPool(wf.Policy.EffectiveWorkerCount())
	status := kernel.RunSucceeded

rankLoop:
	for _, rank := range runPlan.Ranked {
		if rc.IsCancelled() {
			status = kernel.RunAborted
			break
		}

		for _, stepID := range rank {
			node := runPlan.Nodes[stepID]
			step := node.Step
			preds := node.Preds

			submitErr := pool.Submit(ctx, func(ctx context.Context) error {
				return e.runStep(ctx, rc, step, preds)
			})
			if submitErr != nil {
				pool.Wait()
				_ = rc.Audit.Append(kernel.EventError, step.ID, map[string]any{"error": submitErr.Error()})
				status = kernel.RunAborted
				break rankLoop
			}
		}
		pool.Wait()

		if wf.Policy.FailFast && e.rankHasFailure(rc, rank) {
			status = kernel.RunFailed
			break
		}
	}

	pool.Shutdown()

	if status == kernel.RunSucceeded {
		switch {
		case rc.IsCancelled():
			status = kernel.RunAborted
		case e.anyStepAborted(rc):
			status = kernel.RunAborted
		case e.anyStepFailed(rc):
			status = kernel.RunFailed
		}
	}

	snap := rc.Cost.Snapshot()
	_ = rc.Audit.Append(kernel.EventRunEnded, "", map[string]any{
		"status":             status,
		"tokens_used_total":  snap.Spent,
		"budget_remaining":   snap.BudgetRemaining,
		"drain_mode_entered": snap.DrainModeEntered,
	})

	return rc.Summarize(status), nil
}

func (e *Executor) rankHasFailure(rc *runctx.Context, rank []string) bool {
	for _, id := range rank {
		if r, ok := rc.Result(id); ok && r.Status == kernel.StepFailed {
			return true
		}
	}
	return false
}

func (e *Executor) anyStepFailed(rc *runctx.Context) bool {
	for _, r := range rc.Results() {
		if r.Status == kernel.StepFailed {
			return true
		}
	}
	return false
}

func (e *Executor) anyStepAborted(rc *runctx.Context) bool {
	for _, r := range rc.Results() {
		if r.Status == kernel.StepAborted {
			return true
		}
	}
	return false
}

// runStep carries one step from pending to a terminal StepResult, applying
// the run's retry policy across attempts. It never returns an error the
// caller must act on beyond the worker pool's own metrics: every outcome,
// including failure, is fully recorded on rc before runStep returns.
func (e *Executor) runStep(ctx context.Context, rc *runctx.Context, step kernel.Step, preds []string) error {
	ctx = logging.WithIDs(ctx, rc.RunID, step.ID, "")
	logger := logging.LogWith(ctx, e.logger)

	if rc.IsCancelled() {
		return e.finishSkipped(rc, step, "run cancelled before dispatch")
	}

	runnable, err := e.evaluateWhen(ctx, step.When, rc.Store)
	if err != nil {
		return e.finishFailed(rc, step,
			kernel.NewStepError(kernel.ErrCodeInternal, step.ID, "when predicate: "+err.Error()).WithRetryable(false))
	}
	if !runnable {
		return e.finishSkipped(rc, step, "when predicate evaluated false")
	}

	budget := rc.Cost.Remaining()
	if rc.Cost.Unlimited() {
		budget = math.MaxInt
	}
	decision, chosen, err := e.router.Select(ctx, router.SelectInput{
		Step:            step,
		Policy:          rc.Workflow.Policy,
		WorkflowInputs:  rc.Workflow.Inputs,
		BudgetRemaining: budget,
	})
	_ = rc.Audit.Append(kernel.EventStepRouted, step.ID, routingDecisionData(decision))
	if err != nil {
		var kerr *kernel.KernelError
		if !errors.As(err, &kerr) {
			kerr = kernel.NewStepError(kernel.ErrCodeNoAdapterAvailable, step.ID, err.Error())
		}
		if kerr.Code == kernel.ErrCodeBudgetExhausted {
			// Router failure mode per the Router's budget filter: the step
			// is skipped, not failed; fail_fast additionally aborts the run
			// rather than merely failing this step, since no later step can
			// recover a budget that is already gone.
			if rc.Workflow.Policy.FailFast {
				rc.Cancel()
			}
			return e.finishSkipped(rc, step, "budget exhausted for step")
		}
		return e.finishFailed(rc, step, kerr.WithRetryable(false))
	}

	estimate := chosen.Descriptor().EstimatedCostPerInvocation
	if rc.Cost.ShouldSkip(estimate) {
		return e.finishSkipped(rc, step, "cost tracker in drain mode")
	}

	logger.Info("step routed", "adapter", chosen.Descriptor().Name, "fallback", decision.Fallback)

	retryPolicy := rc.Workflow.Policy.Retry
	maxAttempts := retryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr *kernel.KernelError
	for n := 1; n <= maxAttempts; n++ {
		if rc.IsCancelled() {
			return e.finishSkipped(rc, step, "run cancelled mid-retry")
		}
		if n > 1 {
			delayMs := retryPolicy.DelayFor(n)
			_ = rc.Audit.Append(kernel.EventStepRetrying, step.ID, map[string]any{"attempt": n, "delay_ms": delayMs})
			if waitErr := WaitForBackoff(ctx, time.Duration(delayMs)*time.Millisecond); waitErr != nil {
				return e.finishFailed(rc, step,
					kernel.NewStepError(kernel.ErrCodeCancelled, step.ID, "retry backoff interrupted").WithRetryable(false))
			}
		}

		out := e.attempt(ctx, rc, step, chosen, estimate, n, preds)
		if out.success {
			return e.finishSucceeded(rc, step, chosen.Descriptor().Name, out)
		}
		lastErr = out.kerr
		if !out.retryable || n == maxAttempts {
			break
		}
	}

	if lastErr != nil && lastErr.Code == kernel.ErrCodeBudgetExhausted {
		// An adapter-reported budget error aborts the run: no later step is
		// dispatched.
		rc.Cancel()
	}
	return e.finishFailed(rc, step, lastErr)
}

// attemptOutcome is the internal result of one dispatch attempt against a
// chosen adapter, before runStep decides whether to retry.
type attemptOutcome struct {
	success      bool
	kerr         *kernel.KernelError
	retryable    bool
	tokensUsed   int
	startedAt    int64
	endedAt      int64
	attempts     int
	gateReport   kernel.GateReport
	emittedPaths []string
}

func (e *Executor) attempt(ctx context.Context, rc *runctx.Context, step kernel.Step, chosen adapter.Adapter, estimate, attemptN int, preds []string) attemptOutcome {
	started := time.Now().UnixNano()
	_ = rc.SetResult(&kernel.StepResult{
		StepID:        step.ID,
		ChosenAdapter: chosen.Descriptor().Name,
		Status:        kernel.StepRunning,
		StartedAt:     &started,
		Attempts:      attemptN,
	})
	_ = rc.Audit.Append(kernel.EventStepStarted, step.ID, map[string]any{
		"adapter": chosen.Descriptor().Name, "attempt": attemptN,
	})

	reservation := rc.Cost.Reserve(step.ID, estimate)

	execCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(step))
	defer cancel()

	in := adapter.ExecutionInput{
		RunID:                rc.RunID,
		StepID:               step.ID,
		Actor:                step.Actor,
		With:                 step.With,
		WorkflowInputs:       rc.Workflow.Inputs,
		PredecessorArtifacts: predecessorArtifacts(rc.Store, preds),
		Artifacts:            rc.Store.ScopedWriter(step.ID),
	}

	result, execErr, discarded := e.dispatch(execCtx, chosen, in)
	ended := time.Now().UnixNano()

	if discarded {
		_ = rc.Cost.Settle(reservation, 0)
		kerr := kernel.NewStepError(kernel.ErrCodeCancelled, step.ID,
			"adapter did not observe cancellation within the grace period; result discarded").WithRetryable(false)
		_ = rc.Audit.Append(kernel.EventStepEnded, step.ID, map[string]any{
			"status": "aborted", "error": kerr.Message, "attempt": attemptN,
		})
		return attemptOutcome{kerr: kerr, retryable: false, startedAt: started, endedAt: ended, attempts: attemptN}
	}

	if execErr != nil {
		_ = rc.Cost.Settle(reservation, 0)
		code := kernel.ErrCodeInternal
		retryable := IsRetryableError(execErr)
		switch {
		case errors.Is(execErr, context.DeadlineExceeded):
			code = kernel.ErrCodeTimeout
		case errors.Is(execErr, context.Canceled):
			code = kernel.ErrCodeCancelled
			retryable = false
		}
		kerr := kernel.NewStepError(code, step.ID, execErr.Error()).WithRetryable(retryable).WithCause(execErr)
		_ = rc.Audit.Append(kernel.EventStepEnded, step.ID, map[string]any{
			"status": "error", "error": execErr.Error(), "attempt": attemptN,
		})
		return attemptOutcome{kerr: kerr, retryable: retryable, startedAt: started, endedAt: ended, attempts: attemptN}
	}

	settleErr := rc.Cost.Settle(reservation, result.TokensUsed)
	_ = rc.Audit.Append(kernel.EventCostUpdate, step.ID, map[string]any{
		"tokens_used": result.TokensUsed, "settle_error": errString(settleErr),
	})

	if result.Status == kernel.AdapterFailed {
		ae := result.Error
		if ae == nil {
			ae = &kernel.AdapterError{Kind: kernel.AdapterErrorPermanent, Message: "adapter reported failure with no error detail"}
		}
		code := kernel.ErrCodeAdapterPermanent
		if ae.Kind == kernel.AdapterErrorTransient {
			code = kernel.ErrCodeAdapterTransient
		} else if ae.Kind == kernel.AdapterErrorBudget {
			code = kernel.ErrCodeBudgetExhausted
		}
		retryable := ae.Retryable && ae.Kind == kernel.AdapterErrorTransient
		kerr := kernel.NewStepError(code, step.ID, ae.Message).WithRetryable(retryable)
		_ = rc.Audit.Append(kernel.EventStepEnded, step.ID, map[string]any{
			"status": "failed", "error": ae.Message, "kind": ae.Kind, "attempt": attemptN,
		})
		return attemptOutcome{kerr: kerr, retryable: retryable, tokensUsed: result.TokensUsed, startedAt: started, endedAt: ended, attempts: attemptN}
	}

	var missing []string
	for _, p := range step.Emits {
		if !rc.Store.Exists(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		kerr := kernel.NewStepError(kernel.ErrCodeMissingEmitted, step.ID,
			"adapter succeeded but did not emit every declared artifact").
			WithRetryable(false).WithDetails(map[string]any{"missing": missing})
		_ = rc.Audit.Append(kernel.EventStepEnded, step.ID, map[string]any{
			"status": "failed", "error": kerr.Message, "missing": missing, "attempt": attemptN,
		})
		return attemptOutcome{kerr: kerr, retryable: false, tokensUsed: result.TokensUsed, startedAt: started, endedAt: ended, attempts: attemptN}
	}

	report := e.verifier.Evaluate(ctx, step, result, rc.Store)
	_ = rc.Audit.Append(kernel.EventGateEvaluated, step.ID, map[string]any{"report": report})

	if report.BlockFailed() {
		kerr := kernel.NewStepError(kernel.ErrCodeGateFailed, step.ID, "a block-severity gate failed").WithRetryable(false)
		_ = rc.Audit.Append(kernel.EventStepEnded, step.ID, map[string]any{"status": "failed", "error": kerr.Message, "attempt": attemptN})
		return attemptOutcome{kerr: kerr, retryable: false, tokensUsed: result.TokensUsed, gateReport: report, emittedPaths: step.Emits, startedAt: started, endedAt: ended, attempts: attemptN}
	}

	_ = rc.Audit.Append(kernel.EventStepEnded, step.ID, map[string]any{"status": "succeeded", "attempt": attemptN})
	return attemptOutcome{
		success: true, tokensUsed: result.TokensUsed, gateReport: report,
		emittedPaths: step.Emits, startedAt: started, endedAt: ended,
		attempts: attemptN,
	}
}

func (e *Executor) finishSucceeded(rc *runctx.Context, step kernel.Step, adapterName string, out attemptOutcome) error {
	return rc.SetResult(&kernel.StepResult{
		StepID:        step.ID,
		ChosenAdapter: adapterName,
		Status:        kernel.StepSucceeded,
		StartedAt:     &out.startedAt,
		EndedAt:       &out.endedAt,
		TokensUsed:    out.tokensUsed,
		EmittedPaths:  out.emittedPaths,
		GateReport:    out.gateReport,
		Attempts:      out.attempts,
	})
}

func (e *Executor) finishFailed(rc *runctx.Context, step kernel.Step, kerr *kernel.KernelError) error {
	status := kernel.StepFailed
	var stepErr *kernel.StepError
	if kerr != nil {
		if kerr.Code == kernel.ErrCodeCancelled {
			status = kernel.StepAborted
		}
		stepErr = &kernel.StepError{Kind: kerr.Code, Message: kerr.Message, Retryable: kerr.Retryable}
	}
	_ = rc.SetResult(&kernel.StepResult{StepID: step.ID, Status: status, Error: stepErr})
	_ = rc.Audit.Append(kernel.EventError, step.ID, map[string]any{"status": string(status), "error": errString(kerr)})
	if kerr != nil {
		return kerr
	}
	return nil
}

func (e *Executor) finishSkipped(rc *runctx.Context, step kernel.Step, reason string) error {
	_ = rc.SetResult(&kernel.StepResult{StepID: step.ID, Status: kernel.StepSkipped})
	_ = rc.Audit.Append(kernel.EventStepSkipped, step.ID, map[string]any{"reason": reason})
	return nil
}

// execOutcome carries an adapter call's result off of the goroutine it ran
// on, back to dispatch's select.
type execOutcome struct {
	result *kernel.AdapterResult
	err    error
}

// dispatch runs chosen.Execute on its own goroutine so a cancelled execCtx
// can be given a grace period to let the adapter return on its own before
// its result is discarded. discarded is true only when the grace period
// elapsed with no response; the adapter's goroutine is left to finish on
// its own (the buffered channel absorbs its late send without blocking).
func (e *Executor) dispatch(execCtx context.Context, chosen adapter.Adapter, in adapter.ExecutionInput) (result *kernel.AdapterResult, err error, discarded bool) {
	ch := make(chan execOutcome, 1)
	go func() {
		r, execErr := chosen.Execute(execCtx, in)
		ch <- execOutcome{result: r, err: execErr}
	}()

	select {
	case out := <-ch:
		return out.result, out.err, false
	case <-execCtx.Done():
	}

	select {
	case out := <-ch:
		return out.result, out.err, false
	case <-time.After(cancellationGracePeriod):
		return nil, execCtx.Err(), true
	}
}

func predecessorArtifacts(store *artifact.Store, preds []string) map[string]kernel.ArtifactDescriptor {
	out := make(map[string]kernel.ArtifactDescriptor)
	predSet := make(map[string]bool, len(preds))
	for _, p := range preds {
		predSet[p] = true
	}
	for path, desc := range store.Index() {
		if predSet[desc.ProducedBy] {
			out[path] = desc
		}
	}
	return out
}

func routingDecisionData(d *kernel.RoutingDecision) map[string]any {
	if d == nil {
		return nil
	}
	return map[string]any{
		"chosen":     d.Chosen,
		"considered": d.Considered,
		"rejected":   d.Rejected,
		"fallback":   d.Fallback,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
