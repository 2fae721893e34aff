package main

import (
	"flag"
	"fmt"

	"github.com/nexrun/wfkernel/internal/validation"
)

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("validate requires a workflow file path")
	}

	wf, err := loadWorkflow(fs.Arg(0))
	if err != nil {
		return err
	}

	validator, err := validation.New()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	result := validator.ValidateWorkflow(wf)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Valid() {
		return fmt.Errorf("workflow is invalid (%d error(s))", len(result.Errors))
	}
	return nil
}
