package tool

import "sync"

// Source supplies tool implementations for node-type names. The host
// environment injects one at startup (capability injection); the engine never
// constructs tools itself.
type Source interface {
	// Tools returns the full node-type -> tools mapping. Called once per
	// Load; the Registry copies the result.
	Tools() map[string][]Tool
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func() map[string][]Tool

// Tools implements Source.
func (f SourceFunc) Tools() map[string][]Tool { return f() }

// Registry is the process-wide resolution table from node-type name to
// invocable tools. It holds no execution state and is re-queried on every
// agent execution, so registration changes take effect immediately for
// subsequent executions.
//
// The registry is read-mostly after startup: Load/Register are
// administrative, GetToolsForAgent is the per-request path.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]map[string]Tool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]map[string]Tool)}
}

// Load replaces the registry's entire contents with the source's mapping.
func (r *Registry) Load(src Source) {
	byType := make(map[string]map[string]Tool)
	for nodeType, tools := range src.Tools() {
		m := make(map[string]Tool, len(tools))
		for _, t := range tools {
			m[t.Name()] = t
		}
		byType[nodeType] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType = byType
}

// Register adds tools under a node-type name, replacing same-named tools.
func (r *Registry) Register(nodeType string, tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byType[nodeType]
	if !ok {
		m = make(map[string]Tool, len(tools))
		r.byType[nodeType] = m
	}
	for _, t := range tools {
		m[t.Name()] = t
	}
}

// GetToolsForAgent resolves the declared node-type names to a merged
// tool-name -> tool mapping. Unknown names contribute nothing and raise no
// error: agents may declare nodes that resolve to zero tools. The result is
// a fresh map the caller may mutate.
func (r *Registry) GetToolsForAgent(nodeNames []string) map[string]Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved := make(map[string]Tool)
	for _, name := range nodeNames {
		for toolName, t := range r.byType[name] {
			resolved[toolName] = t
		}
	}
	return resolved
}

// NodeTypes returns the currently registered node-type names.
func (r *Registry) NodeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byType))
	for name := range r.byType {
		names = append(names, name)
	}
	return names
}
