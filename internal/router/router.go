// Package router implements the Router: per-step adapter selection. Given a
// step's actor kind, the run's policy, and the Cost Tracker's remaining
// budget, it narrows the Adapter Registry's candidates down to one chosen
// adapter (or fails with a typed, auditable reason) and always returns a
// kernel.RoutingDecision recording how it got there.
package router

import (
	"context"
	"sort"

	"github.com/nexrun/wfkernel/internal/adapter"
	"github.com/nexrun/wfkernel/internal/expressions"
	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Router selects an adapter for each step.
type Router struct {
	registry *adapter.Registry
	predicateEngine expressions.Engine
}

// New creates a Router over the given registry. predicateEngine evaluates
// each candidate adapter's capability predicates (AdapterDescriptor.
// Capabilities, boolean expr-lang expressions over {inputs, step}); pass
// nil to skip capability filtering entirely (every candidate is eligible).
func New(registry *adapter.Registry, predicateEngine expressions.Engine) *Router {
	return &Router{registry: registry, predicateEngine: predicateEngine}
}

// SelectInput carries the per-step context the Router needs beyond the
// registry itself.
type SelectInput struct {
	Step            kernel.Step
	Policy          kernel.Policy
	WorkflowInputs  map[string]any
	BudgetRemaining int
}

// Select runs the selection algorithm for one step:
//  1. look up candidates by actor kind
//  2. drop unavailable adapters
//  3. drop candidates whose estimated cost exceeds the remaining budget
//     (zero-cost candidates are never dropped by budget)
//  4. if prefer_deterministic, restrict to deterministic candidates when any
//     exist; otherwise fall through to the full set and flag Fallback
//  5. drop candidates whose capability predicates don't hold; if that empties
//     the set, fall back to the pre-capability candidate set and flag
//     Fallback instead of failing outright
//  6. rank survivors by (deterministic-first if preferred, cost asc, name asc)
//  7. choose the top-ranked survivor
//
// Select always returns a non-nil *kernel.RoutingDecision, even on failure,
// so the caller can audit-log the attempt.
func (r *Router) Select(ctx context.Context, in SelectInput) (*kernel.RoutingDecision, adapter.Adapter, error) {
	decision := &kernel.RoutingDecision{StepID: in.Step.ID}

	candidates := r.registry.Query(in.Step.Actor)
	for _, c := range candidates {
		decision.Considered = append(decision.Considered, c.Descriptor().Name)
	}
	if len(candidates) == 0 {
		return decision, nil, kernel.NewStepError(kernel.ErrCodeNoAdapterAvailable, in.Step.ID,
			"no adapter registered for actor "+in.Step.Actor)
	}

	survivors := r.filterAvailable(candidates, decision)
	if len(survivors) == 0 {
		return decision, nil, kernel.NewStepError(kernel.ErrCodeNoAdapterAvailable, in.Step.ID,
			"no available adapter for actor "+in.Step.Actor)
	}

	survivors, rejectedBudget := r.filterBudget(survivors, in.BudgetRemaining)
	decision.Rejected = append(decision.Rejected, rejectedBudget...)
	if len(survivors) == 0 {
		return decision, nil, kernel.NewStepError(kernel.ErrCodeBudgetExhausted, in.Step.ID,
			"remaining budget insufficient for any available adapter")
	}

	if in.Policy.PreferDeterministic {
		deterministic := filterKind(survivors, kernel.AdapterDeterministic)
		if len(deterministic) > 0 {
			survivors = deterministic
		} else {
			decision.Fallback = true
		}
	}

	preCapability := survivors
	survivors = r.filterCapability(ctx, survivors, in, decision)
	if len(survivors) == 0 {
		// Capability-filter exhaustion falls back to the broader,
		// pre-capability set rather than failing the step outright.
		decision.Fallback = true
		survivors = preCapability
	}

	rank(survivors, in.Policy.PreferDeterministic)
	chosen := survivors[0]
	decision.Chosen = chosen.Descriptor().Name
	return decision, chosen, nil
}

func (r *Router) filterAvailable(candidates []adapter.Adapter, decision *kernel.RoutingDecision) []adapter.Adapter {
	var out []adapter.Adapter
	for _, c := range candidates {
		if c.Descriptor().Available {
			out = append(out, c)
		} else {
			decision.Rejected = append(decision.Rejected, kernel.RejectedAdapter{
				Name: c.Descriptor().Name, Reason: "unavailable",
			})
		}
	}
	return out
}

func (r *Router) filterCapability(ctx context.Context, candidates []adapter.Adapter, in SelectInput, decision *kernel.RoutingDecision) []adapter.Adapter {
	if r.predicateEngine == nil {
		return candidates
	}

	data := map[string]any{
		"inputs": in.WorkflowInputs,
		"step":   stepToMap(in.Step),
	}

	var out []adapter.Adapter
	for _, c := range candidates {
		ok, reason := r.satisfiesCapabilities(ctx, c.Descriptor().Capabilities, data)
		if ok {
			out = append(out, c)
		} else {
			decision.Rejected = append(decision.Rejected, kernel.RejectedAdapter{
				Name: c.Descriptor().Name, Reason: reason,
			})
		}
	}
	return out
}

func (r *Router) satisfiesCapabilities(ctx context.Context, predicates []string, data map[string]any) (bool, string) {
	for _, pred := range predicates {
		result, err := r.predicateEngine.Evaluate(ctx, pred, data)
		if err != nil {
			return false, "capability predicate error: " + err.Error()
		}
		truth, ok := result.(bool)
		if !ok || !truth {
			return false, "capability predicate failed: " + pred
		}
	}
	return true, ""
}

func (r *Router) filterBudget(candidates []adapter.Adapter, remaining int) ([]adapter.Adapter, []kernel.RejectedAdapter) {
	var out []adapter.Adapter
	var rejected []kernel.RejectedAdapter
	for _, c := range candidates {
		cost := c.Descriptor().EstimatedCostPerInvocation
		if cost == 0 || cost <= remaining {
			out = append(out, c)
		} else {
			rejected = append(rejected, kernel.RejectedAdapter{
				Name: c.Descriptor().Name, Reason: "estimated cost exceeds remaining budget",
			})
		}
	}
	return out, rejected
}

func filterKind(candidates []adapter.Adapter, kind kernel.AdapterKind) []adapter.Adapter {
	var out []adapter.Adapter
	for _, c := range candidates {
		if c.Descriptor().Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// rank sorts survivors in place: deterministic-first (when preferDeterministic
// is set and the set is mixed), then ascending estimated cost, then name —
// the same tie-break order used throughout the kernel for determinism.
func rank(candidates []adapter.Adapter, preferDeterministic bool) {
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := candidates[i].Descriptor(), candidates[j].Descriptor()
		if preferDeterministic {
			iDet := di.Kind == kernel.AdapterDeterministic
			jDet := dj.Kind == kernel.AdapterDeterministic
			if iDet != jDet {
				return iDet
			}
		}
		if di.EstimatedCostPerInvocation != dj.EstimatedCostPerInvocation {
			return di.EstimatedCostPerInvocation < dj.EstimatedCostPerInvocation
		}
		return di.Name < dj.Name
	})
}

func stepToMap(s kernel.Step) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"name":       s.Name,
		"actor":      s.Actor,
		"emits":      s.Emits,
		"depends_on": s.DependsOn,
	}
}
