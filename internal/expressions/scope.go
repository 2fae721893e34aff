package expressions

import (
	"encoding/json"
	"sync"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// InterpolationScope is the evaluation environment handed to an Engine: the
// keys Steps/Inputs/Workflow/Context/Loop map directly onto the "steps",
// "inputs", "workflow", "context", "iter" variables the Expr and jq
// engines are each configured to expect.
type InterpolationScope struct {
	Steps    map[string]any // step ID -> output (unmarshalled)
	Inputs   map[string]any // workflow input params
	Workflow map[string]any // workflow/run metadata (run_id, etc.)
	Context  map[string]any // ambient context data
	Loop     *LoopScope     // loop iteration variables (nil when not in a loop)
}

// LoopScope holds scoped variables for a single loop iteration.
type LoopScope struct {
	Item  any // current item value
	Index int // current iteration index (0-based)
}

// ScopeBuilder constructs InterpolationScopes with proper variable isolation.
// It enforces:
//   - Step outputs are immutable after completion (frozen on insert).
//   - Append-only: new step outputs are added after each DAG level completes.
//   - Loop variables (iter.item, iter.index) are scoped per iteration.
//   - Parallel branch variables are isolated from sibling branches.
//   - Step outputs, workflow inputs, workflow metadata and context are
//     separate namespaces; there is no secrets namespace.
type ScopeBuilder struct {
	mu       sync.RWMutex
	steps    map[string]any // step ID -> frozen output (deep-copied on insert)
	inputs   map[string]any // workflow input params (immutable after init)
	workflow map[string]any // workflow metadata (immutable after init)
	context  map[string]any // workflow context (immutable after init)

	// loop holds the current loop iteration variables.
	// nil when not inside a loop.
	loop *LoopVars
}

// LoopVars holds the scoped variables for a single loop iteration.
type LoopVars struct {
	Item  any // current iteration value
	Index int // current iteration index
}

// NewScopeBuilder creates a ScopeBuilder initialized with workflow-level data.
// inputs, workflow, and context are deep-copied to prevent external mutation.
func NewScopeBuilder(inputs, workflow, context map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps:    make(map[string]any),
		inputs:   deepCopyMap(inputs),
		workflow: deepCopyMap(workflow),
		context:  deepCopyMap(context),
	}
}

// AddStepOutput registers a completed step's output. The output is frozen
// (deep-copied) at the time of insertion. Subsequent calls with the same stepID
// are rejected -- step outputs are immutable after completion.
func (sb *ScopeBuilder) AddStepOutput(stepID string, output json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return kernel.NewErrorf(kernel.ErrCodeInternal,
			"step %q output already registered; step outputs are immutable after completion", stepID)
	}

	if len(output) == 0 {
		sb.steps[stepID] = nil
		return nil
	}

	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return kernel.NewErrorf(kernel.ErrCodeInternal,
			"cannot parse step %q output: %s", stepID, err.Error())
	}

	// Deep-copy to freeze the value.
	sb.steps[stepID] = deepCopyAny(parsed)
	return nil
}

// Build creates an InterpolationScope snapshot. The returned scope is safe
// for concurrent use (all data is copied). If loop vars are set, they are
// included as scope.Loop, which ToMap exposes under the "iter" key.
func (sb *ScopeBuilder) Build() *InterpolationScope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	scope := &InterpolationScope{
		Steps:    deepCopyMap(sb.steps),
		Inputs:   sb.inputs,   // already frozen at init
		Workflow: sb.workflow,  // already frozen at init
		Context:  sb.context,  // already frozen at init
	}

	// Inject loop variables if inside a loop iteration.
	if sb.loop != nil {
		if scope.Context == nil {
			scope.Context = make(map[string]any)
		}
		// Loop vars are available as iter.item and iter.index once the
		// scope is flattened by ToMap.
		scope.Loop = &LoopScope{
			Item:  deepCopyAny(sb.loop.Item),
			Index: sb.loop.Index,
		}
	}

	return scope
}

// ToMap flattens the scope into the map[string]any shape Engine.Evaluate
// expects, keyed "steps"/"inputs"/"workflow"/"context"/"iter".
func (s *InterpolationScope) ToMap() map[string]any {
	m := map[string]any{
		"steps":    s.Steps,
		"inputs":   s.Inputs,
		"workflow": s.Workflow,
		"context":  s.Context,
	}
	if s.Loop != nil {
		m["iter"] = map[string]any{"item": s.Loop.Item, "index": s.Loop.Index}
	}
	return m
}

// WithLoopVars returns a child ScopeBuilder with loop-scoped variables.
// The child shares the same steps/inputs/workflow/context but has its own
// loop vars. This ensures loop vars are scoped to the iteration.
func (sb *ScopeBuilder) WithLoopVars(item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps:    sb.steps,    // shared (append-only, safe)
		inputs:   sb.inputs,   // shared (immutable)
		workflow: sb.workflow,  // shared (immutable)
		context:  sb.context,  // shared (immutable)
		loop: &LoopVars{
			Item:  deepCopyAny(item),
			Index: index,
		},
	}
}

// ForParallelBranch returns a child ScopeBuilder for a parallel branch.
// The child gets a snapshot of current step outputs but has its own isolated
// step output map. Branch-local step completions do NOT leak to siblings.
func (sb *ScopeBuilder) ForParallelBranch() *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps:    deepCopyMap(sb.steps), // isolated copy
		inputs:   sb.inputs,              // shared (immutable)
		workflow: sb.workflow,             // shared (immutable)
		context:  sb.context,             // shared (immutable)
	}
}

// MergeBranchOutputs merges completed step outputs from a parallel branch
// back into the parent scope. Only new step IDs are added; existing ones
// are preserved (immutability rule).
func (sb *ScopeBuilder) MergeBranchOutputs(branch *ScopeBuilder) {
	branch.mu.RLock()
	branchSteps := branch.steps
	branch.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for stepID, output := range branchSteps {
		if _, exists := sb.steps[stepID]; !exists {
			sb.steps[stepID] = deepCopyAny(output)
		}
	}
}

// StepOutputs returns a read-only copy of the current step outputs.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.steps)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
