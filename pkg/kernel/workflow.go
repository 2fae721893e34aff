package kernel

import "encoding/json"

// Workflow is the declarative input document describing a sequence of
// steps, inputs, and policy. It is immutable for the duration of a run.
type Workflow struct {
	Name   string         `json:"name"`
	Inputs map[string]any `json:"inputs,omitempty"`
	Policy Policy         `json:"policy,omitempty"`
	Steps  []Step         `json:"steps"`
}

// Policy controls budget, adapter preference, and failure behavior for a run.
type Policy struct {
	MaxTokens          int         `json:"max_tokens,omitempty"`
	PreferDeterministic bool       `json:"prefer_deterministic,omitempty"`
	FailFast           bool        `json:"fail_fast,omitempty"`
	Retry              RetryPolicy `json:"retry,omitempty"`

	// WorkerCount bounds the parallel dispatch pool. Zero means 1 (strictly
	// sequential, fully deterministic).
	WorkerCount int `json:"worker_count,omitempty"`

	// DrainMode resolves the budget-overdraw open question: "skip_nonzero"
	// (default) skips only steps with a nonzero cost estimate once the run
	// has overdrawn; "skip_all" skips every subsequent step, including
	// zero-cost ones.
	DrainMode string `json:"drain_mode,omitempty"`
}

const (
	DrainModeSkipNonzero = "skip_nonzero"
	DrainModeSkipAll     = "skip_all"
)

// EffectiveDrainMode returns the configured drain mode or the default.
func (p Policy) EffectiveDrainMode() string {
	if p.DrainMode == "" {
		return DrainModeSkipNonzero
	}
	return p.DrainMode
}

// EffectiveWorkerCount returns the configured worker count or the
// deterministic default of 1.
func (p Policy) EffectiveWorkerCount() int {
	if p.WorkerCount <= 0 {
		return 1
	}
	return p.WorkerCount
}

// RetryPolicy bounds retry attempts and backoff between them for steps whose
// adapter result (or failure kind) is classified as transient.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts,omitempty"` // 0..5
	BackoffMs   []int `json:"backoff_ms,omitempty"`
}

// DelayFor returns the backoff delay, in milliseconds, before the given
// 1-indexed retry attempt. Attempts beyond the configured schedule reuse the
// last entry; an empty schedule means no delay.
func (r RetryPolicy) DelayFor(attempt int) int {
	if len(r.BackoffMs) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.BackoffMs) {
		idx = len(r.BackoffMs) - 1
	}
	return r.BackoffMs[idx]
}

// StepIDPattern is the required shape of a Step.ID: "<rank>.<3-digit-suffix>".
const StepIDPattern = `^\d+\.\d{3}$`

// Step is one unit of work in a workflow, bound to an actor kind with
// declared inputs, emitted paths, and gates.
type Step struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Actor string `json:"actor"`

	// With is an opaque payload handed to the adapter verbatim. The kernel
	// validates only the outer envelope (this field's presence and JSON
	// well-formedness); adapters own its schema.
	With json.RawMessage `json:"with,omitempty"`

	// Emits lists relative artifact paths the adapter is expected to produce.
	Emits []string `json:"emits,omitempty"`

	Gates []Gate `json:"gates,omitempty"`

	// When is an optional predicate over context, evaluated before dispatch.
	When *Predicate `json:"when,omitempty"`

	// DependsOn lists predecessor step IDs. Nil means "depends on the
	// preceding step in the workflow's declared order" (sequential
	// default); an explicit empty slice marks a root.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout bounds the adapter invocation for this step (e.g. "30s").
	// Empty means the run's default step timeout applies.
	Timeout string `json:"timeout,omitempty"`
}

// PredicateKind enumerates the recognized `when` predicate shapes.
type PredicateKind string

const (
	PredicateAlways           PredicateKind = "always"
	PredicateArtifactExists   PredicateKind = "artifact_exists"
	PredicateArtifactProperty PredicateKind = "artifact_property"
)

// Predicate gates whether a step is dispatched. ArtifactExists/Property
// predicates may reference only the producing step's own predecessors'
// outputs, preserving DAG semantics.
type Predicate struct {
	Kind     PredicateKind `json:"kind"`
	Path     string        `json:"path,omitempty"`     // artifact_exists / artifact_property
	Property string        `json:"property,omitempty"` // artifact_property: jq-style field path
	Equals   any           `json:"equals,omitempty"`    // artifact_property: expected value
}

// GateKind enumerates the recognized gate variants.
type GateKind string

const (
	GateTestsPass      GateKind = "tests_pass"
	GateDiffLimits     GateKind = "diff_limits"
	GateSchemaValid    GateKind = "schema_valid"
	GateArtifactExists GateKind = "artifact_exists"
	GateCustom         GateKind = "custom"
)

// GateSeverity controls whether a failing gate blocks step success.
type GateSeverity string

const (
	SeverityBlock GateSeverity = "block"
	SeverityWarn  GateSeverity = "warn"
)

// Gate is a tagged-variant verification predicate evaluated after a step.
type Gate struct {
	Kind     GateKind        `json:"kind"`
	Severity GateSeverity    `json:"severity,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// EffectiveSeverity defaults an omitted severity to block (fail-closed).
func (g Gate) EffectiveSeverity() GateSeverity {
	if g.Severity == "" {
		return SeverityBlock
	}
	return g.Severity
}

// AdapterKind distinguishes deterministic tools from AI adapters for
// routing preference and retry/determinism reasoning.
type AdapterKind string

const (
	AdapterDeterministic AdapterKind = "deterministic"
	AdapterAI            AdapterKind = "ai"
)

// AdapterDescriptor is the registered identity of a concrete adapter.
type AdapterDescriptor struct {
	Name                     string      `json:"name"`
	Kind                     AdapterKind `json:"kind"`
	ActorKindsSupported      []string    `json:"actor_kinds_supported"`
	Capabilities             []string    `json:"capabilities,omitempty"`
	EstimatedCostPerInvocation int       `json:"estimated_cost_per_invocation"`
	Available                bool        `json:"available"`
	SideEffects              []string    `json:"side_effects,omitempty"`

	// SoftCapTokens is a declared soft ceiling for this adapter's
	// self-reported token usage. The Cost Tracker does not read it: no
	// component compares reported usage against it.
	SoftCapTokens int `json:"soft_cap_tokens,omitempty"`
}

// StepStatus is the terminal or in-flight disposition of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRouted    StepStatus = "routed"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepAborted   StepStatus = "aborted"
)

// IsTerminal reports whether the status will never transition further.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepAborted:
		return true
	default:
		return false
	}
}

// StepError is the structured failure reason attached to a StepResult.
type StepError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RoutingDecision records how the Router selected (or failed to select) an
// adapter for a step, for audit-log transparency.
type RoutingDecision struct {
	StepID     string   `json:"step_id"`
	Chosen     string   `json:"chosen,omitempty"`
	Considered []string `json:"considered"`
	Rejected   []RejectedAdapter `json:"rejected,omitempty"`
	Fallback   bool     `json:"fallback"`
}

// RejectedAdapter records why a candidate adapter was not chosen.
type RejectedAdapter struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// GateResult is the outcome of evaluating a single gate.
type GateResult struct {
	Kind     GateKind     `json:"kind"`
	Passed   bool         `json:"passed"`
	Severity GateSeverity `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// GateReport is the ordered set of gate evaluations for one step.
type GateReport []GateResult

// BlockFailed reports whether any block-severity gate failed.
func (r GateReport) BlockFailed() bool {
	for _, g := range r {
		if g.Severity == SeverityBlock && !g.Passed {
			return true
		}
	}
	return false
}

// StepResult is the terminal (or in-flight) record of one step's execution.
type StepResult struct {
	StepID        string     `json:"step_id"`
	ChosenAdapter string     `json:"chosen_adapter,omitempty"`
	Status        StepStatus `json:"status"`
	StartedAt     *int64     `json:"started_at,omitempty"` // unix nanos
	EndedAt       *int64     `json:"ended_at,omitempty"`
	TokensUsed    int        `json:"tokens_used"`
	EmittedPaths  []string   `json:"emitted_paths,omitempty"`
	GateReport    GateReport `json:"gate_report,omitempty"`
	Error         *StepError `json:"error,omitempty"`
	Attempts      int        `json:"attempts"`
}

// ArtifactDescriptor catalogues one immutable emitted file.
type ArtifactDescriptor struct {
	Path       string `json:"path"` // relative, forward-slash
	Digest     string `json:"digest"` // sha256, hex
	SizeBytes  int64  `json:"size_bytes"`
	ProducedBy string `json:"produced_by"` // step_id
	MimeHint   string `json:"mime_hint,omitempty"`
}

// RunStatus is the terminal disposition of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// RunSummary is the terminal record of a run.
type RunSummary struct {
	RunID            string                `json:"run_id"`
	Status           RunStatus             `json:"status"`
	StepResults      map[string]*StepResult `json:"step_results"`
	ArtifactsIndex   map[string]ArtifactDescriptor `json:"artifacts_index"`
	TokensUsedTotal  int                   `json:"tokens_used_total"`
	BudgetRemaining  int                   `json:"budget_remaining"`
	DrainModeEntered bool                  `json:"drain_mode_entered"`
}
