package executor

import "github.com/nexrun/wfkernel/pkg/kernel"

// validStepTransitions enumerates the step lifecycle: pending steps are
// routed, skipped outright (when predicate false, drain mode, budget
// exhausted for the step, or run cancelled before dispatch) or failed
// outright (no adapter available), routed steps run, and running steps
// reach one of the three terminal outcomes. Aborted is reachable from any non-terminal
// state when the run itself is cancelled mid-flight.
var validStepTransitions = map[kernel.StepStatus]map[kernel.StepStatus]bool{
	kernel.StepPending: {
		kernel.StepRouted:   true,
		kernel.StepSkipped:  true,
		kernel.StepFailed:   true,
		kernel.StepAborted:  true,
	},
	kernel.StepRouted: {
		kernel.StepRunning: true,
		kernel.StepFailed:  true,
		kernel.StepAborted: true,
	},
	kernel.StepRunning: {
		kernel.StepSucceeded: true,
		kernel.StepFailed:    true,
		kernel.StepAborted:   true,
	},
}

// isValidStepTransition reports whether a step may move from from to to.
// Terminal states (kernel.StepStatus.IsTerminal) never transition further.
func isValidStepTransition(from, to kernel.StepStatus) bool {
	if from.IsTerminal() {
		return false
	}
	return validStepTransitions[from][to]
}
