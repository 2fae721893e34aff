package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nexrun/wfkernel/pkg/kernel"
	"gopkg.in/yaml.v3"
)

// loadWorkflow reads a workflow document from disk. Both YAML and JSON are
// accepted regardless of extension: the file is decoded with the YAML
// parser (a superset of JSON) into a generic value, then re-marshaled
// through encoding/json so kernel.Workflow's json tags — and
// Step.With/Gate.Params's json.RawMessage fields — apply uniformly no
// matter which surface syntax the operator wrote.
func loadWorkflow(path string) (*kernel.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	normalized, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", path, err)
	}

	var wf kernel.Workflow
	if err := json.Unmarshal(normalized, &wf); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &wf, nil
}
