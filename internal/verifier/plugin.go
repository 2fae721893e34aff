package verifier

import (
	"context"
	"sort"
	"sync"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// GatePlugin is an in-process, Go-implemented custom gate. Unlike a jq
// query, a plugin can apply arbitrary logic to the adapter's result.
type GatePlugin interface {
	Name() string
	Evaluate(ctx context.Context, result *kernel.AdapterResult) (bool, map[string]any, error)
}

// PluginRegistry holds the custom gates a run's workflow may reference by
// name from a `custom` gate's params.plugin.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]GatePlugin
}

// NewPluginRegistry creates an empty PluginRegistry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{plugins: make(map[string]GatePlugin)}
}

// Register adds a plugin under its own name. Returns an error on
// duplicate name or a nil/unnamed plugin.
func (r *PluginRegistry) Register(p GatePlugin) error {
	if p == nil {
		return kernel.NewError(kernel.ErrCodeInternal, "gate plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return kernel.NewError(kernel.ErrCodeInternal, "gate plugin has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return kernel.NewErrorf(kernel.ErrCodeInternal, "gate plugin %q already registered", name)
	}
	r.plugins[name] = p
	return nil
}

// Lookup retrieves one plugin by name.
func (r *PluginRegistry) Lookup(name string) (GatePlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns every registered plugin's name, sorted.
func (r *PluginRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
