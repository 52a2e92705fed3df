// Package tools defines the model-callable tools agents hand to a model.
//
// Tool schemas are declared with mcp-go's builder (mcp.NewTool) so the same
// definitions serve the model tool loop and the MCP server surface.
package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

var (
	// ErrToolAlreadyRegistered is returned when a tool name is taken.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrInvalidTool is returned for tools missing a name or executor.
	ErrInvalidTool = errors.New("invalid tool")
)

// Registry holds named tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]types.Tool
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]types.Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool types.Tool) error {
	if tool.Name == "" || tool.Execute == nil {
		return fmt.Errorf("%w: %q", ErrInvalidTool, tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	logging.AgentsDebug("Registered tool: %s", tool.Name)
	return nil
}

// RegisterAll registers every tool, stopping at the first error.
func (r *Registry) RegisterAll(tools ...types.Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (types.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted.
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

// All returns every tool sorted by name.
func (r *Registry) All() []types.Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}
