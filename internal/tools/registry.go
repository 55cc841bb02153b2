package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openloom/loom/go/orchestrator/internal/llm"
)

// Registry holds tool definitions. It is an explicit object constructed
// at startup and passed by reference, not a package-level table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition requires a name")
	}
	switch def.Kind {
	case KindLocal:
		if def.Handler == nil {
			return fmt.Errorf("local tool %q requires a handler", def.Name)
		}
	case KindHTTP:
		if def.Endpoint == "" {
			return fmt.Errorf("http tool %q requires an endpoint", def.Name)
		}
	case KindWorkflow:
		if def.WorkflowID == "" {
			return fmt.Errorf("workflow tool %q requires a workflow id", def.Name)
		}
	default:
		return fmt.Errorf("tool %q has unknown kind %q", def.Name, def.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Specs returns model-facing declarations for all enabled tools, sorted
// by name for deterministic prompt assembly.
func (r *Registry) Specs() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		if d.Enabled {
			out = append(out, d.Spec())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
