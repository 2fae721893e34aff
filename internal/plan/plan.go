// Package plan implements the Workflow Loader & Planner: it turns a
// validated kernel.Workflow into a RunPlan — a directed acyclic graph with
// resolved predecessor/successor edges and a deterministic topological rank
// per step, ready for the Router and Executor to walk.
package plan

import (
	"sort"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Node is one step's position in the plan graph.
type Node struct {
	Step  kernel.Step
	Preds []string // resolved predecessor step IDs
	Succs []string // resolved successor step IDs
	Rank  int       // topological level; steps at the same rank have no edge between them
}

// RunPlan is the resolved, ordered graph for one workflow.
type RunPlan struct {
	Roots []string // step IDs with no predecessors, sorted lexicographically
	Nodes map[string]*Node
	// Ranked groups step IDs by topological rank, each group sorted
	// lexicographically, for deterministic ready-set iteration.
	Ranked [][]string
}

// Build resolves a workflow's depends_on edges (applying the sequential
// default where a step omits depends_on entirely) and computes topological
// ranks via Kahn's algorithm. It returns a *kernel.KernelError with code
// ErrCodePlan on cycles or dangling references; upstream schema/semantic
// validation is expected to have already caught the latter, but Build does
// not trust that and checks again.
func Build(wf *kernel.Workflow) (*RunPlan, error) {
	if wf == nil || len(wf.Steps) == 0 {
		return nil, kernel.NewError(kernel.ErrCodePlan, "workflow has no steps")
	}

	nodes := make(map[string]*Node, len(wf.Steps))
	order := make([]string, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		if _, dup := nodes[step.ID]; dup {
			return nil, kernel.NewErrorf(kernel.ErrCodePlan, "duplicate step id %q", step.ID)
		}
		nodes[step.ID] = &Node{Step: step}
		order = append(order, step.ID)
	}

	for i, step := range wf.Steps {
		preds := resolvePredecessors(step, i, order)
		for _, p := range preds {
			if _, ok := nodes[p]; !ok {
				return nil, kernel.NewErrorf(kernel.ErrCodePlan, "step %s depends on unknown step %s", step.ID, p)
			}
			if p == step.ID {
				return nil, kernel.NewErrorf(kernel.ErrCodePlan, "step %s depends on itself", step.ID)
			}
		}
		nodes[step.ID].Preds = preds
		for _, p := range preds {
			nodes[p].Succs = append(nodes[p].Succs, step.ID)
		}
	}
	for _, n := range nodes {
		sort.Strings(n.Succs)
	}

	sorted, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}

	ranked := computeRanks(nodes, sorted)

	var roots []string
	for id, n := range nodes {
		if len(n.Preds) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	return &RunPlan{Roots: roots, Nodes: nodes, Ranked: ranked}, nil
}

// resolvePredecessors applies the sequential-default rule: a nil
// depends_on means "depends on the immediately preceding step in the
// workflow's declared order" (or no predecessor if it's the first step);
// an explicitly present (possibly empty) depends_on is taken verbatim.
func resolvePredecessors(step kernel.Step, index int, order []string) []string {
	if step.DependsOn != nil {
		out := make([]string, len(step.DependsOn))
		copy(out, step.DependsOn)
		return out
	}
	if index == 0 {
		return nil
	}
	return []string{order[index-1]}
}

// topoSort runs Kahn's algorithm with lexicographic tie-breaking on the
// ready queue at every step, so the resulting order is a pure function of
// the graph shape and never depends on map iteration order.
func topoSort(nodes map[string]*Node) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = len(n.Preds)
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		var unblocked []string
		for _, succ := range nodes[id].Succs {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				unblocked = append(unblocked, succ)
			}
		}
		sort.Strings(unblocked)
		queue = mergeSorted(queue, unblocked)
	}

	if len(sorted) != len(nodes) {
		return nil, kernel.NewError(kernel.ErrCodePlan, "workflow contains a dependency cycle")
	}
	return sorted, nil
}

// mergeSorted appends fresh after queue without interleaving, preserving
// the queue's FIFO-by-rank character: items already queued stay ahead of
// newly unblocked ones, and each group keeps its own (lexicographic) order.
func mergeSorted(queue, fresh []string) []string {
	if len(fresh) == 0 {
		return queue
	}
	return append(queue, fresh...)
}

// computeRanks groups steps into topological levels: a step's rank is one
// more than the maximum rank of its predecessors, so same-rank steps share
// no edge and are safe to dispatch concurrently.
func computeRanks(nodes map[string]*Node, sorted []string) [][]string {
	rankOf := make(map[string]int, len(nodes))
	maxRank := 0
	for _, id := range sorted {
		r := 0
		for _, p := range nodes[id].Preds {
			if rankOf[p]+1 > r {
				r = rankOf[p] + 1
			}
		}
		rankOf[id] = r
		nodes[id].Rank = r
		if r > maxRank {
			maxRank = r
		}
	}

	groups := make([][]string, maxRank+1)
	for _, id := range sorted {
		groups[rankOf[id]] = append(groups[rankOf[id]], id)
	}
	for _, g := range groups {
		sort.Strings(g)
	}
	return groups
}
