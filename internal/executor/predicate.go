package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/nexrun/wfkernel/internal/artifact"
	"github.com/nexrun/wfkernel/pkg/kernel"
)

// evaluateWhen reports whether step should be dispatched. A nil predicate
// (or PredicateAlways) always runs. artifact_exists / artifact_property
// predicates may only reference artifacts already in store: the Workflow
// Loader & Planner's DAG ordering guarantees that by the time this step's
// rank is reached, every predecessor has already run.
func (e *Executor) evaluateWhen(ctx context.Context, pred *kernel.Predicate, store *artifact.Store) (bool, error) {
	if pred == nil || pred.Kind == kernel.PredicateAlways {
		return true, nil
	}

	switch pred.Kind {
	case kernel.PredicateArtifactExists:
		return store.Exists(pred.Path), nil

	case kernel.PredicateArtifactProperty:
		if e.propertyEngine == nil {
			return false, fmt.Errorf("artifact_property predicate requires a property engine")
		}
		if !store.Exists(pred.Path) {
			return false, nil
		}
		data, err := store.Read(ctx, pred.Path)
		if err != nil {
			return false, err
		}
		var document map[string]any
		if err := json.Unmarshal(data, &document); err != nil {
			return false, fmt.Errorf("artifact %q is not a JSON object: %w", pred.Path, err)
		}

		query := pred.Property
		if !strings.HasPrefix(query, ".") {
			query = "." + query
		}
		value, err := e.propertyEngine.Evaluate(ctx, query, document)
		if err != nil {
			return false, err
		}
		return reflect.DeepEqual(value, pred.Equals), nil

	default:
		return false, fmt.Errorf("unknown predicate kind %q", pred.Kind)
	}
}
