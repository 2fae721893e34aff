package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/nexrun/wfkernel/internal/adapter"
	"github.com/nexrun/wfkernel/internal/artifact"
	"github.com/nexrun/wfkernel/internal/audit"
	"github.com/nexrun/wfkernel/internal/cost"
	"github.com/nexrun/wfkernel/internal/executor"
	"github.com/nexrun/wfkernel/internal/expressions"
	"github.com/nexrun/wfkernel/internal/history"
	"github.com/nexrun/wfkernel/internal/router"
	"github.com/nexrun/wfkernel/internal/runctx"
	"github.com/nexrun/wfkernel/internal/validation"
	"github.com/nexrun/wfkernel/internal/verifier"
	"github.com/nexrun/wfkernel/pkg/kernel"

	"github.com/nexrun/wfkernel/examples/adapters"
)

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	maxTokens := fs.Int("max-tokens", 0, "override the workflow's policy.max_tokens (0 keeps the workflow's own value)")
	artifactsDir := fs.String("artifacts-dir", "./runs/artifacts", "base directory for this run's Artifact Store")
	auditDir := fs.String("audit-dir", "./runs/audit", "directory for this run's audit log JSONL file")
	historyDB := fs.String("history", "", "if set, record the finished run into a History database at this path")
	inputs := kvFlags{}
	fs.Var(inputs, "inputs", "workflow input override, repeatable: -inputs key=value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("run requires a workflow file path")
	}

	wf, err := loadWorkflow(fs.Arg(0))
	if err != nil {
		return err
	}
	if *maxTokens > 0 {
		wf.Policy.MaxTokens = *maxTokens
	}
	if wf.Inputs == nil {
		wf.Inputs = map[string]any{}
	}
	for k, v := range inputs {
		wf.Inputs[k] = coerceInput(v)
	}

	validator, err := validation.New()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	if result := validator.ValidateWorkflow(wf); !result.Valid() {
		return validationFailure(result)
	}

	registry := adapter.New()
	shellAdapter, err := adapters.NewShellAdapter()
	if err != nil {
		return fmt.Errorf("build shell adapter: %w", err)
	}
	if err := registry.Register(shellAdapter); err != nil {
		return err
	}
	if err := registry.Register(&adapters.HashAdapter{}); err != nil {
		return err
	}

	exprEngine := expressions.NewExprEngine()
	jqEngine := expressions.NewGoJQEngine()
	rt := router.New(registry, exprEngine)
	vf := verifier.New(exprEngine, jqEngine, validator, verifier.NewPluginRegistry())
	ex := executor.New(rt, vf, jqEngine, newLogger())

	runID := uuid.NewString()

	store, err := artifact.New(*artifactsDir, runID)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	auditLog, err := audit.Open(*auditDir, runID)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	tracker := cost.New(wf.Policy)
	rc := runctx.New(runID, wf, store, tracker, auditLog)

	summary, runErr := ex.Run(backgroundContext(), rc)

	if *historyDB != "" {
		if recErr := recordHistory(*historyDB, wf.Name, summary, auditLog.Path()); recErr != nil {
			fmt.Fprintln(os.Stderr, "wfkernel: history recording failed:", recErr)
		}
	}

	if printErr := printJSON(summary); printErr != nil {
		return printErr
	}
	return runErr
}

// coerceInput gives CLI-supplied "key=value" overrides a chance at their
// natural JSON type (bool, number) before falling back to a plain string,
// since a workflow's own inputs map is untyped JSON (map[string]any) and a
// human typing `-inputs retries=3` almost never means the string "3".
func coerceInput(v string) any {
	if v == "true" {
		return true
	}
	if v == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

func validationFailure(result *kernel.ValidationResult) error {
	msg := "workflow failed validation:\n"
	for _, issue := range result.Errors {
		msg += fmt.Sprintf("  [%s] %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
	return fmt.Errorf("%s", msg)
}

func recordHistory(dbPath, workflowName string, summary kernel.RunSummary, auditPath string) error {
	rec, err := history.Open("file:" + dbPath)
	if err != nil {
		return err
	}
	defer rec.Close()

	entries, err := audit.ReadEntries(auditPath)
	if err != nil {
		return err
	}
	return rec.RecordRun(backgroundContext(), workflowName, summary, entries)
}
