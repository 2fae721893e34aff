// Package validation implements the Schema Validator: structural checking of
// workflow documents and emitted artifacts against JSON Schema Draft 2020-12,
// plus the semantic checks JSON Schema cannot express (duplicate step IDs,
// dangling depends_on references, emits collisions).
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// workflowSchemaJSON is the JSON Schema for kernel.Workflow. Embedded as a
// constant so the validator never resolves schemas over the filesystem or
// network at runtime.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://wfkernel.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "inputs": { "type": "object" },
    "policy": { "$ref": "#/$defs/policy" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "policy": {
      "type": "object",
      "properties": {
        "max_tokens": { "type": "integer", "minimum": 0 },
        "prefer_deterministic": { "type": "boolean" },
        "fail_fast": { "type": "boolean" },
        "worker_count": { "type": "integer", "minimum": 1 },
        "drain_mode": { "type": "string", "enum": ["skip_nonzero", "skip_all"] },
        "retry": {
          "type": "object",
          "properties": {
            "max_attempts": { "type": "integer", "minimum": 0, "maximum": 5 },
            "backoff_ms": { "type": "array", "items": { "type": "integer", "minimum": 0 } }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "actor"],
      "properties": {
        "id": { "type": "string", "pattern": "^[0-9]+\\.[0-9]{3}$" },
        "name": { "type": "string" },
        "actor": { "type": "string", "minLength": 1 },
        "with": {},
        "emits": { "type": "array", "items": { "type": "string" } },
        "gates": { "type": "array", "items": { "$ref": "#/$defs/gate" } },
        "when": { "$ref": "#/$defs/predicate" },
        "depends_on": { "type": "array", "items": { "type": "string" } },
        "timeout": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" }
      },
      "additionalProperties": false
    },
    "gate": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["tests_pass", "diff_limits", "schema_valid", "artifact_exists", "custom"] },
        "severity": { "type": "string", "enum": ["block", "warn"] },
        "params": {}
      },
      "additionalProperties": false
    },
    "predicate": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["always", "artifact_exists", "artifact_property"] },
        "path": { "type": "string" },
        "property": { "type": "string" },
        "equals": {}
      },
      "additionalProperties": false
    }
  }
}`

// Validator is the Schema Validator contract: validate(document, schema_id).
type Validator struct {
	workflowSchema *jsonschema.Schema

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema // logical name -> compiled schema
}

// New compiles the workflow schema and seeds the artifact-schema registry
// with the two named schemas the Verifier's built-in gates rely on
// (diagnostics, test_report). The registry is read-only once New returns;
// additional schemas are registered once at process startup via Register.
func New() (*Validator, error) {
	wfSchema, err := compile("https://wfkernel.dev/schemas/workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	v := &Validator{
		workflowSchema: wfSchema,
		schemas:        make(map[string]*jsonschema.Schema),
	}

	for name, raw := range builtinArtifactSchemas {
		if err := v.Register(name, raw); err != nil {
			return nil, fmt.Errorf("register builtin schema %q: %w", name, err)
		}
	}

	return v, nil
}

// Register compiles and adds a named artifact schema to the read-only
// registry. Intended for use once at process startup.
func (v *Validator) Register(name string, schemaJSON string) error {
	url := fmt.Sprintf("https://wfkernel.dev/schemas/%s.json", name)
	compiled, err := compile(url, schemaJSON)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[name] = compiled
	return nil
}

// ValidateWorkflow validates a workflow document against the workflow JSON
// Schema, then performs the semantic checks JSON Schema cannot express.
func (v *Validator) ValidateWorkflow(wf *kernel.Workflow) *kernel.ValidationResult {
	result := &kernel.ValidationResult{}
	if wf == nil {
		result.AddError("/", kernel.ErrCodeSchemaValidation, "workflow document is nil")
		return result
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		result.AddError("/", kernel.ErrCodeSchemaValidation, "failed to serialize workflow: "+err.Error())
		return result
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, kernel.ErrCodeSchemaValidation, violation.message)
		}
		return result // structural failures short-circuit semantic checks
	}

	validateSemantic(wf, result)
	return result
}

// Validate checks an arbitrary document (already decoded into a Go value)
// against a named schema in the registry.
func (v *Validator) Validate(document any, schemaID string) *kernel.ValidationResult {
	result := &kernel.ValidationResult{}

	v.mu.RLock()
	schema, ok := v.schemas[schemaID]
	v.mu.RUnlock()
	if !ok {
		result.AddError("/", kernel.ErrCodeSchemaValidation, fmt.Sprintf("unknown schema %q", schemaID))
		return result
	}

	doc, err := toJSONValue(document)
	if err != nil {
		result.AddError("/", kernel.ErrCodeSchemaValidation, "failed to serialize document: "+err.Error())
		return result
	}
	if err := schema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, kernel.ErrCodeSchemaValidation, violation.message)
		}
	}
	return result
}

// HasSchema reports whether a logical schema name is registered.
func (v *Validator) HasSchema(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

func compile(url, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as required by the jsonschema library.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	return walkViolations(verr)
}

func walkViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, walkViolations(cause)...)
	}
	return out
}
