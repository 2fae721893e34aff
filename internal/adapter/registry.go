package adapter

import (
	"sort"
	"sync"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Registry is the thread-safe Adapter Registry: register once at startup,
// then queried many times per run. Adapters are never unregistered during
// a run, and a name can be registered only once; availability is read from
// each adapter's Descriptor() on every query, so an adapter reports a
// change in availability through its own descriptor.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its descriptor's name. Returns an error on
// duplicate name or a nil/unnamed adapter.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return kernel.NewError(kernel.ErrCodeInternal, "adapter is nil")
	}
	name := a.Descriptor().Name
	if name == "" {
		return kernel.NewError(kernel.ErrCodeInternal, "adapter descriptor has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return kernel.NewErrorf(kernel.ErrCodeInternal, "adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Lookup retrieves one adapter by name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Query returns every registered adapter whose descriptor declares support
// for the given actor kind, sorted by name for deterministic iteration.
// Callers (the Router) apply their own ranking on top of this set.
func (r *Registry) Query(actorKind string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	for _, a := range r.adapters {
		if supports(a.Descriptor(), actorKind) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor().Name < out[j].Descriptor().Name
	})
	return out
}

// All returns every registered adapter's descriptor, sorted by name.
func (r *Registry) All() []kernel.AdapterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]kernel.AdapterDescriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func supports(d kernel.AdapterDescriptor, actorKind string) bool {
	for _, k := range d.ActorKindsSupported {
		if k == actorKind {
			return true
		}
	}
	return false
}
