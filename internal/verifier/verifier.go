// Package verifier implements the Gate Engine: post-execution verification
// of a step's outcome against the gates declared on it, producing a
// kernel.GateReport the Executor uses to decide whether the step counts as
// succeeded.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nexrun/wfkernel/internal/artifact"
	"github.com/nexrun/wfkernel/internal/expressions"
	"github.com/nexrun/wfkernel/internal/validation"
	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Verifier evaluates the gates declared on a step against its adapter
// outcome and the artifacts it emitted.
type Verifier struct {
	exprEngine expressions.Engine
	jqEngine   *expressions.GoJQEngine
	validator  *validation.Validator
	plugins    *PluginRegistry
}

// New creates a Verifier. exprEngine backs diff_limits' changed_lines ≤
// max_lines comparison (the same expr-lang engine the Router uses for
// capability predicates), jqEngine backs custom gates (queried via
// EvaluateNormalized, since diagnostics come from in-process adapters that
// may set Go int fields rather than the float64 jq's number model expects),
// validator backs schema_valid gates, plugins backs custom gates that name
// a registered GatePlugin instead of a jq query.
func New(exprEngine expressions.Engine, jqEngine *expressions.GoJQEngine, validator *validation.Validator, plugins *PluginRegistry) *Verifier {
	return &Verifier{exprEngine: exprEngine, jqEngine: jqEngine, validator: validator, plugins: plugins}
}

// Evaluate runs every gate declared on step, in declaration order, and
// returns the resulting report. Evaluation does not stop at the first
// failure: every gate runs so the report is complete, even though
// GateReport.BlockFailed() only needs one block-severity failure to fail
// the step.
func (v *Verifier) Evaluate(ctx context.Context, step kernel.Step, result *kernel.AdapterResult, store *artifact.Store) kernel.GateReport {
	report := make(kernel.GateReport, 0, len(step.Gates))
	for _, gate := range step.Gates {
		report = append(report, v.evaluateGate(ctx, gate, step, result, store))
	}
	return report
}

func (v *Verifier) evaluateGate(ctx context.Context, gate kernel.Gate, step kernel.Step, result *kernel.AdapterResult, store *artifact.Store) kernel.GateResult {
	passed, details, err := v.dispatch(ctx, gate, step, result, store)
	if err != nil {
		return kernel.GateResult{
			Kind: gate.Kind, Passed: false, Severity: gate.EffectiveSeverity(),
			Details: map[string]any{"error": err.Error()},
		}
	}
	return kernel.GateResult{Kind: gate.Kind, Passed: passed, Severity: gate.EffectiveSeverity(), Details: details}
}

func (v *Verifier) dispatch(ctx context.Context, gate kernel.Gate, step kernel.Step, result *kernel.AdapterResult, store *artifact.Store) (bool, map[string]any, error) {
	switch gate.Kind {
	case kernel.GateTestsPass:
		return v.testsPass(ctx, gate, result, store)
	case kernel.GateArtifactExists:
		return v.artifactExists(gate, step, store)
	case kernel.GateDiffLimits:
		return v.diffLimits(ctx, gate, step, store)
	case kernel.GateSchemaValid:
		return v.schemaValid(ctx, gate, store)
	case kernel.GateCustom:
		return v.custom(ctx, gate, result)
	default:
		return false, nil, fmt.Errorf("unknown gate kind %q", gate.Kind)
	}
}

type testReportParams struct {
	Path string `json:"path,omitempty"`
}

// testsPass reads a test_report-shaped artifact (default: the adapter's
// first diagnostics entry when no path is given) and passes when passed
// equals total.
func (v *Verifier) testsPass(ctx context.Context, gate kernel.Gate, result *kernel.AdapterResult, store *artifact.Store) (bool, map[string]any, error) {
	var params testReportParams
	if len(gate.Params) > 0 {
		if err := json.Unmarshal(gate.Params, &params); err != nil {
			return false, nil, fmt.Errorf("tests_pass: invalid params: %w", err)
		}
	}

	var report map[string]any
	if params.Path != "" {
		data, err := store.Read(ctx, params.Path)
		if err != nil {
			return false, nil, fmt.Errorf("tests_pass: %w", err)
		}
		if err := json.Unmarshal(data, &report); err != nil {
			return false, nil, fmt.Errorf("tests_pass: artifact %q is not valid JSON: %w", params.Path, err)
		}
	} else if len(result.Diagnostics) > 0 {
		report = result.Diagnostics[0]
	} else {
		return false, map[string]any{"reason": "no test report path given and adapter reported no diagnostics"}, nil
	}

	passed, _ := report["passed"].(float64)
	total, _ := report["total"].(float64)
	ok := total > 0 && passed == total
	return ok, map[string]any{"passed": passed, "total": total}, nil
}

type artifactExistsParams struct {
	Path string `json:"path,omitempty"`
}

// artifactExists checks a single named path, or every path step.emits
// declares when no path is given.
func (v *Verifier) artifactExists(gate kernel.Gate, step kernel.Step, store *artifact.Store) (bool, map[string]any, error) {
	var params artifactExistsParams
	if len(gate.Params) > 0 {
		if err := json.Unmarshal(gate.Params, &params); err != nil {
			return false, nil, fmt.Errorf("artifact_exists: invalid params: %w", err)
		}
	}

	if params.Path != "" {
		return store.Exists(params.Path), map[string]any{"path": params.Path}, nil
	}

	var missing []string
	for _, path := range step.Emits {
		if !store.Exists(path) {
			missing = append(missing, path)
		}
	}
	return len(missing) == 0, map[string]any{"missing": missing}, nil
}

const defaultDiffMaxLines = 500

// diffLimitsPredicate is the expr-lang expression the changed_lines ≤
// max_lines comparison is evaluated as, over the {added, removed, changed,
// max_lines} struct diffLimits builds from the diff artifact.
const diffLimitsPredicate = "changed <= max_lines"

type diffLimitsParams struct {
	Path     string `json:"path,omitempty"`
	MaxLines int    `json:"max_lines,omitempty"`
}

// diffLimits reads a unified-diff artifact and enforces a maximum number of
// changed lines. Path defaults to the step's first emitted path ending in
// ".diff" (falling back to "patch.diff"); max_lines defaults to
// defaultDiffMaxLines. Changed lines are "+"/"-" content lines; "---"/"+++"
// file headers and "@@" hunk headers never count. The pass/fail comparison
// itself runs through exprEngine rather than a Go boolean, so it shares the
// same expression engine as capability predicates and custom gates.
func (v *Verifier) diffLimits(ctx context.Context, gate kernel.Gate, step kernel.Step, store *artifact.Store) (bool, map[string]any, error) {
	var params diffLimitsParams
	if len(gate.Params) > 0 {
		if err := json.Unmarshal(gate.Params, &params); err != nil {
			return false, nil, fmt.Errorf("diff_limits: invalid params: %w", err)
		}
	}
	maxLines := params.MaxLines
	if maxLines <= 0 {
		maxLines = defaultDiffMaxLines
	}
	path := params.Path
	if path == "" {
		path = diffPathFromEmits(step.Emits)
	}

	data, err := store.Read(ctx, path)
	if err != nil {
		return false, nil, fmt.Errorf("diff_limits: %w", err)
	}

	added, removed := countDiffLines(data)
	changed := added + removed
	details := map[string]any{
		"added": added, "removed": removed, "changed": changed, "max_lines": maxLines,
	}

	out, err := v.exprEngine.Evaluate(ctx, diffLimitsPredicate, map[string]any{
		"added": added, "removed": removed, "changed": changed, "max_lines": maxLines,
	})
	if err != nil {
		return false, details, fmt.Errorf("diff_limits: %w", err)
	}
	passed, ok := out.(bool)
	if !ok {
		return false, details, fmt.Errorf("diff_limits: predicate %q returned non-bool %T", diffLimitsPredicate, out)
	}
	return passed, details, nil
}

func diffPathFromEmits(emits []string) string {
	for _, path := range emits {
		if strings.HasSuffix(path, ".diff") {
			return path
		}
	}
	return "patch.diff"
}

// countDiffLines counts unified-diff content lines, excluding the "---"/
// "+++" file headers and "@@" hunk headers that precede them.
func countDiffLines(diff []byte) (added, removed int) {
	for _, line := range strings.Split(string(diff), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

type schemaValidParams struct {
	Path   string `json:"path"`
	Schema string `json:"schema"`
}

// schemaValid reads an artifact and validates it against a named schema
// registered on the Validator (built-in or workflow-declared).
func (v *Verifier) schemaValid(ctx context.Context, gate kernel.Gate, store *artifact.Store) (bool, map[string]any, error) {
	var params schemaValidParams
	if err := json.Unmarshal(gate.Params, &params); err != nil {
		return false, nil, fmt.Errorf("schema_valid: invalid params: %w", err)
	}
	if params.Path == "" || params.Schema == "" {
		return false, nil, fmt.Errorf("schema_valid: params.path and params.schema are required")
	}

	data, err := store.Read(ctx, params.Path)
	if err != nil {
		return false, nil, fmt.Errorf("schema_valid: %w", err)
	}
	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return false, nil, fmt.Errorf("schema_valid: artifact %q is not valid JSON: %w", params.Path, err)
	}

	result := v.validator.Validate(document, params.Schema)
	details := map[string]any{"path": params.Path, "schema": params.Schema}
	if !result.Valid() {
		details["errors"] = result.Errors
	}
	return result.Valid(), details, nil
}

type customParams struct {
	Query  string `json:"query,omitempty"`
	Plugin string `json:"plugin,omitempty"`
}

// custom evaluates a jq query over the adapter's diagnostics, or delegates
// to a named GatePlugin when params.plugin is set instead of params.query.
func (v *Verifier) custom(ctx context.Context, gate kernel.Gate, result *kernel.AdapterResult) (bool, map[string]any, error) {
	var params customParams
	if err := json.Unmarshal(gate.Params, &params); err != nil {
		return false, nil, fmt.Errorf("custom: invalid params: %w", err)
	}

	if params.Plugin != "" {
		plugin, ok := v.plugins.Lookup(params.Plugin)
		if !ok {
			return false, nil, fmt.Errorf("custom: plugin %q not registered", params.Plugin)
		}
		return plugin.Evaluate(ctx, result)
	}

	if params.Query == "" {
		return false, nil, fmt.Errorf("custom: params.query or params.plugin is required")
	}

	data := map[string]any{"diagnostics": diagnosticsToAny(result.Diagnostics)}
	out, err := v.jqEngine.EvaluateNormalized(ctx, params.Query, data)
	if err != nil {
		return false, nil, fmt.Errorf("custom: %w", err)
	}
	truth, ok := out.(bool)
	if !ok {
		return false, nil, fmt.Errorf("custom: jq query did not evaluate to a boolean, got %T", out)
	}
	return truth, map[string]any{"query": params.Query}, nil
}

func diagnosticsToAny(diagnostics []map[string]any) []any {
	out := make([]any, len(diagnostics))
	for i, d := range diagnostics {
		out[i] = d
	}
	return out
}
