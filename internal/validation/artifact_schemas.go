package validation

// builtinArtifactSchemas seeds the Schema Validator's named-schema registry
// with the shapes the built-in gate kinds rely on: the tests_pass gate reads
// a test_report document, and schema_valid gates commonly target an
// adapter-emitted diagnostics document. Workflows may register additional
// named schemas for their own schema_valid gates via Validator.Register.
var builtinArtifactSchemas = map[string]string{
	"test_report": testReportSchemaJSON,
	"diagnostics": diagnosticsSchemaJSON,
}

const testReportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["passed", "total"],
  "properties": {
    "passed": { "type": "integer", "minimum": 0 },
    "total": { "type": "integer", "minimum": 0 },
    "failed_names": { "type": "array", "items": { "type": "string" } },
    "duration_ms": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const diagnosticsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["findings"],
  "properties": {
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "message"],
        "properties": {
          "severity": { "type": "string", "enum": ["error", "warning", "info"] },
          "message": { "type": "string" },
          "path": { "type": "string" },
          "line": { "type": "integer" }
        }
      }
    }
  },
  "additionalProperties": true
}`
