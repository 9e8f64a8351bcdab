// Package tools provides the capability-keyed registry of administrative
// tools the pipeline can execute. Tools are registered by name and looked up
// when a proposed action names them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dativo-io/steward/internal/guardrail"
)

// ErrUnknownTool is returned when an action names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Result is what a tool reports back. Output is human-readable; for a dry
// run it describes what would happen.
type Result struct {
	Output string                 `json:"output"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Tool is the interface every administrative tool implements.
type Tool interface {
	Name() string
	Description() string
	// Mutates reports whether a live run changes host state. Read-only tools
	// are evaluated as non-apply requests.
	Mutates() bool
	// Estimate is the resource cost charged against the autonomy budget.
	Estimate(inputs map[string]interface{}) guardrail.Estimate
	Execute(ctx context.Context, inputs map[string]interface{}, dryRun bool) (Result, error)
}

// ArgumentValidator is an optional interface; when a tool implements it the
// registry calls ValidateArguments before Execute.
type ArgumentValidator interface {
	ValidateArguments(inputs map[string]interface{}) error
}

// Registry manages registered tools. Thread-safe for concurrent access.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Mutates reports whether the named tool changes host state. Unknown tools
// are treated as mutating.
func (r *Registry) Mutates(name string) bool {
	t, ok := r.Get(name)
	return !ok || t.Mutates()
}

// Estimate returns the named tool's budget estimate, zero for unknown tools.
func (r *Registry) Estimate(name string, inputs map[string]interface{}) guardrail.Estimate {
	t, ok := r.Get(name)
	if !ok {
		return guardrail.Estimate{}
	}
	return t.Estimate(inputs)
}

// Execute validates arguments and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, inputs map[string]interface{}, dryRun bool) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if v, ok := t.(ArgumentValidator); ok {
		if err := v.ValidateArguments(inputs); err != nil {
			return Result{}, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}
	return t.Execute(ctx, inputs, dryRun)
}

// targetKeys are the input keys that name the resource an action touches,
// in lookup order.
var targetKeys = []string{"service", "unit", "target", "path", "name", "container"}

// Target returns the resource an action touches, used to key approvals and
// per-target execution locks. Tools without a target key share the empty
// target.
func Target(inputs map[string]interface{}) string {
	for _, k := range targetKeys {
		if s, ok := inputs[k].(string); ok && s != "" {
			if k == "service" || k == "unit" {
				return UnitName(s)
			}
			return s
		}
	}
	return ""
}
