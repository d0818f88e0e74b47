// Package registry maps tool identifiers to invocable tools.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
)

// Registry is a concurrency-safe tool table. Identifiers are unique: the
// first registration of a name wins and later ones are rejected.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]explorer.Tool
	logger *slog.Logger
}

// New builds a registry from tools. It fails with a configuration error if
// two tools share an identifier or a tool has no name.
func New(logger *slog.Logger, tools ...explorer.Tool) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]explorer.Tool, len(tools)),
		logger: logging.OrDiscard(logger),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool at runtime.
func (r *Registry) Register(tool explorer.Tool) error {
	if tool == nil {
		return explorer.NewConfigurationError("cannot register a nil tool", nil)
	}
	name := tool.Name()
	if name == "" {
		return explorer.NewConfigurationError("tool name must not be empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return explorer.NewConfigurationError(fmt.Sprintf("tool with name '%s' already exists", name), nil)
	}
	r.tools[name] = tool
	r.logger.Debug("Registered tool", "tool", name)
	return nil
}

// Resolve returns the tool registered under name or a TOOL_NOT_FOUND error.
func (r *Registry) Resolve(name string) (explorer.Tool, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, explorer.NewToolNotFoundError("resolution", name)
	}
	return tool, nil
}

// Names returns the registered identifiers in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns every tool's schema keyed by identifier.
func (r *Registry) Schemas() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make(map[string]map[string]interface{}, len(r.tools))
	for name, tool := range r.tools {
		schemas[name] = tool.Schema()
	}
	return schemas
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

var _ explorer.ToolCatalog = (*Registry)(nil)
