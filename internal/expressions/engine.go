package expressions

import "context"

// Engine evaluates expressions within workflow steps.
// Two implementations: Expr (capability predicates, diff_limits' numeric
// comparison), GoJQ (custom-gate and artifact_property field extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
