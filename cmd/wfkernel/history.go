package main

import (
	"flag"
	"fmt"

	"github.com/nexrun/wfkernel/internal/history"
	"github.com/nexrun/wfkernel/pkg/kernel"
)

func historyCommand(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dbPath := fs.String("db", defaultHistoryPath(), "path to the History database")
	limit := fs.Int("limit", 20, "maximum number of runs to list (0 for unlimited)")
	workflowName := fs.String("workflow", "", "filter to runs of this workflow name")
	status := fs.String("status", "", "filter to runs with this terminal status (succeeded|failed|aborted)")
	runID := fs.String("run", "", "print the full record (including audit events) for this run ID instead of listing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rec, err := history.Open("file:" + *dbPath)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer rec.Close()

	ctx := backgroundContext()

	if *runID != "" {
		got, err := rec.GetRun(ctx, *runID)
		if err != nil {
			return err
		}
		if got == nil {
			return fmt.Errorf("no run %q in history", *runID)
		}
		return printJSON(got)
	}

	runs, err := rec.ListRuns(ctx, history.Filter{
		WorkflowName: *workflowName,
		Status:       kernel.RunStatus(*status),
		Limit:        *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(runs)
}
