// Package adapter defines the Adapter contract — the fixed boundary between
// the orchestration kernel and concrete tool/AI implementations — and a
// thread-safe registry for discovering adapters by actor kind.
//
// Adapters are black boxes: this package never imports anything that knows
// how a concrete adapter does its work. Adapter internals (an adapter
// shelling out, calling an LLM, hitting the filesystem) live outside the
// kernel entirely; examples/adapters holds a few minimal ones used only to
// exercise this contract in tests.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// ExecutionInput is everything an adapter receives for one step invocation.
// It never exposes the run's full context object: an adapter sees only its
// own step's declared inputs and the artifacts produced by that step's
// resolved predecessors, preserving the kernel's DAG-scoping invariant.
type ExecutionInput struct {
	RunID  string
	StepID string
	Actor  string

	// With is the step's opaque `with` payload, handed over verbatim.
	With json.RawMessage

	// WorkflowInputs is the run's top-level declared inputs.
	WorkflowInputs map[string]any

	// PredecessorArtifacts indexes, by relative path, the artifacts emitted
	// by this step's resolved predecessors only.
	PredecessorArtifacts map[string]kernel.ArtifactDescriptor

	// Artifacts is the only way an adapter may persist a file into the run's
	// Artifact Store. It is scoped to this step: every write is attributed
	// to StepID, and the adapter has no access to Read/Exists/Index.
	Artifacts ArtifactWriter
}

// ArtifactWriter lets an adapter persist the files its step declares under
// emits. The kernel hands adapters a store-backed implementation scoped to
// one step; adapters never see the Artifact Store itself.
type ArtifactWriter interface {
	Write(ctx context.Context, relPath string, content []byte) (kernel.ArtifactDescriptor, error)
}

// Adapter is the fixed contract every tool/AI implementation satisfies.
// Execute must not return a non-nil error for business-level failure: those
// are reported inline via kernel.AdapterResult.Error so the executor can
// apply retry/gate semantics uniformly. A non-nil error return means the
// adapter itself could not run at all; the executor classifies it with
// IsRetryableError: a step timeout or a network/transient failure is
// retried, a cancellation or any other error is not.
type Adapter interface {
	Descriptor() kernel.AdapterDescriptor
	Execute(ctx context.Context, in ExecutionInput) (*kernel.AdapterResult, error)
}
