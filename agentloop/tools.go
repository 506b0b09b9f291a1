package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Tools executes tool calls on behalf of the control loop. Implementations
// should honor ctx; the dispatcher abandons calls that outlive their timeout.
type Tools interface {
	Execute(ctx context.Context, name string, args *Arguments) (string, error)
	Definitions() []ToolDefinition
}

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolExecutor runs one tool call in env.
type ToolExecutor func(ctx context.Context, args *Arguments, env ExecutionEnvironment) (string, error)

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

type registryEntry struct {
	tool   RegisteredTool
	schema *gojsonschema.Schema
}

// ToolRegistry is the Tools implementation backed by registered executors.
// Arguments are validated against each tool's JSON schema before execution.
type ToolRegistry struct {
	env   ExecutionEnvironment
	tools map[string]registryEntry
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry whose tools run in env.
func NewToolRegistry(env ExecutionEnvironment) *ToolRegistry {
	return &ToolRegistry{
		env:   env,
		tools: make(map[string]registryEntry),
	}
}

// Register adds or replaces a tool. It fails if the parameter schema does
// not compile.
func (r *ToolRegistry) Register(tool RegisteredTool) error {
	entry := registryEntry{tool: tool}
	if tool.Definition.Parameters != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Definition.Parameters))
		if err != nil {
			return fmt.Errorf("compile schema for tool %s: %w", tool.Definition.Name, err)
		}
		entry.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = entry
	return nil
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Definitions returns all tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Execute validates args and runs the named tool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args *Arguments) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = NewArguments()
	}
	if err := validateArguments(e.schema, args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return e.tool.Executor(ctx, args, r.env)
}

func validateArguments(schema *gojsonschema.Schema, args *Arguments) error {
	if schema == nil {
		return nil
	}
	data, err := args.MarshalJSON()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}
