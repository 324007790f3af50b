// Package tool defines the Tool abstraction shared by built-in providers,
// the in-process registry they register into, and the server/role policy
// types the Tool Dispatcher applies per role.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind classifies what a tool does. Read-only kinds are safe to run
// without side effects; the rest mutate the workspace or run commands.
type Kind string

const (
	KindRead    Kind = "read"    // read_file, list_dir
	KindEdit    Kind = "edit"    // write_file, edit_file
	KindExecute Kind = "execute" // bash
	KindSearch  Kind = "search"
	KindFetch   Kind = "fetch"
)

// Tool is a built-in, in-process tool provider (as opposed to a tool
// discovered from an external MCP server, which the Tool Dispatcher
// resolves through the ServerRegistry instead).
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is a built-in tool's raw execution outcome, before the Dispatcher
// wraps it into an entity.ToolResult for the conversation.
type Result struct {
	Output   string
	Display  string // rich rendering for a UI; falls back to Output when empty
	Success  bool
	Metadata map[string]interface{}
	Error    string
}

// DisplayOrOutput returns Display if set, otherwise Output.
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}

// Definition is what gets sent to the model: name, description, and a JSON
// Schema for parameters.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry is the in-process map of built-in tools by name.
type Registry interface {
	Register(tool Tool) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry is the default Registry implementation.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]Tool)}
}

func (r *InMemoryRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}
