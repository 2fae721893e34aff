package validation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

var stepIDPattern = regexp.MustCompile(kernel.StepIDPattern)

// validateSemantic performs the checks JSON Schema cannot express: step-ID
// uniqueness and shape, dangling depends_on references, self-dependency,
// emits-path collisions across steps, and gate-parameter presence for kinds
// that require params. Cycle and reachability analysis belongs to the
// planner, not here: this stage only checks references resolve.
func validateSemantic(wf *kernel.Workflow, result *kernel.ValidationResult) {
	seenIDs := make(map[string]int, len(wf.Steps)) // id -> step index
	for i, step := range wf.Steps {
		path := stepPath(i)

		if !stepIDPattern.MatchString(step.ID) {
			result.AddError(path+"/id", "STEP_ID_SHAPE", "step id "+step.ID+" does not match "+kernel.StepIDPattern)
		}
		if prev, dup := seenIDs[step.ID]; dup {
			result.AddError(path+"/id", "DUPLICATE_STEP_ID", "step id "+step.ID+" already used at "+stepPath(prev))
		} else {
			seenIDs[step.ID] = i
		}
	}

	emitOwners := make(map[string]string) // path -> producing step id
	for i, step := range wf.Steps {
		path := stepPath(i)

		for _, dep := range step.DependsOn {
			if dep == step.ID {
				result.AddError(path+"/depends_on", "SELF_DEPENDENCY", "step "+step.ID+" depends on itself")
				continue
			}
			if _, ok := seenIDs[dep]; !ok {
				result.AddError(path+"/depends_on", "UNKNOWN_DEPENDENCY", "step "+step.ID+" depends on unknown step "+dep)
			}
		}

		for _, emitted := range step.Emits {
			if owner, dup := emitOwners[emitted]; dup {
				result.AddError(path+"/emits", "EMIT_COLLISION", "path "+emitted+" declared by both "+owner+" and "+step.ID)
			} else {
				emitOwners[emitted] = step.ID
			}
			if strings.HasPrefix(emitted, "/") || pathEscapes(emitted) {
				result.AddError(path+"/emits", "EMIT_PATH_UNSAFE", "emitted path "+emitted+" must be relative and contain no parent traversal")
			}
		}

		validatePredicate(step, path, result)
		validateGates(step, path, result)
	}
}

func validatePredicate(step kernel.Step, path string, result *kernel.ValidationResult) {
	if step.When == nil {
		return
	}
	switch step.When.Kind {
	case kernel.PredicateAlways:
	case kernel.PredicateArtifactExists, kernel.PredicateArtifactProperty:
		if step.When.Path == "" {
			result.AddError(path+"/when", "PREDICATE_MISSING_PATH", "predicate kind "+string(step.When.Kind)+" requires path")
		}
		if step.When.Kind == kernel.PredicateArtifactProperty && step.When.Property == "" {
			result.AddError(path+"/when", "PREDICATE_MISSING_PROPERTY", "predicate kind artifact_property requires property")
		}
		if len(step.DependsOn) == 0 {
			result.AddWarning(path+"/when", "PREDICATE_SCOPE", "step has no declared predecessors; artifact-scoped predicate may never be satisfiable")
		}
	default:
		result.AddError(path+"/when", "PREDICATE_UNKNOWN_KIND", "unknown predicate kind "+string(step.When.Kind))
	}
}

func validateGates(step kernel.Step, path string, result *kernel.ValidationResult) {
	for i, gate := range step.Gates {
		gatePath := path + "/gates/" + strconv.Itoa(i)
		switch gate.Kind {
		case kernel.GateTestsPass, kernel.GateArtifactExists:
			// params optional
		case kernel.GateDiffLimits, kernel.GateSchemaValid, kernel.GateCustom:
			if len(gate.Params) == 0 {
				result.AddError(gatePath, "GATE_MISSING_PARAMS", "gate kind "+string(gate.Kind)+" requires params")
			}
		default:
			result.AddError(gatePath, "GATE_UNKNOWN_KIND", "unknown gate kind "+string(gate.Kind))
		}
	}
}

func stepPath(index int) string {
	return "/steps/" + strconv.Itoa(index)
}

// pathEscapes reports whether a slash-separated relative path contains a
// ".." segment at any position.
func pathEscapes(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
