// Package tools is the tool repository: the Tool contract, the registry
// that validates and dispatches calls, and the built-in tools. Tools run
// under the ambient user id and never accept one as a parameter; they log,
// never print.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mirahq/mira/internal/observability"
)

// Tool is one callable capability offered to the model.
type Tool interface {
	Name() string
	Description() string

	// InputSchema returns the tool's argument schema in JSON Schema form.
	InputSchema() json.RawMessage

	// Available reports whether the tool can run for this user right now.
	// Implementations may consult storage.
	Available(ctx context.Context, userID string) bool

	// Run executes the tool with validated arguments, scoped to the
	// ambient user id carried by ctx.
	Run(ctx context.Context, args map[string]any) (string, error)
}

// UnknownToolError reports a call to a tool the registry has never seen.
type UnknownToolError struct {
	ToolName string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tools: unknown tool %q", e.ToolName)
}

// NotAvailableError reports a call to a registered tool that is switched
// off for the requesting user.
type NotAvailableError struct {
	ToolName string
}

func (e *NotAvailableError) Error() string {
	return fmt.Sprintf("tools: tool %q not available for this user", e.ToolName)
}

// InvalidArgsError reports arguments that failed schema validation.
type InvalidArgsError struct {
	ToolName string
	Cause    error
}

func (e *InvalidArgsError) Error() string {
	return fmt.Sprintf("tools: invalid arguments for %q: %v", e.ToolName, e.Cause)
}

func (e *InvalidArgsError) Unwrap() error { return e.Cause }

// Registry holds the registered tools and their compiled argument schemas.
type Registry struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		logger:  logger.Component("tools"),
		metrics: metrics,
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema. Registering a duplicate name
// or an invalid schema is an error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tools: tool with empty name")
	}

	schema, err := jsonschema.CompileString(name, string(t.InputSchema()))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: tool %q already registered", name)
	}
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Available returns the tools usable by userID right now, sorted by name.
func (r *Registry) Available(ctx context.Context, userID string) []Tool {
	r.mu.RLock()
	all := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		all = append(all, t)
	}
	r.mu.RUnlock()

	usable := all[:0]
	for _, t := range all {
		if t.Available(ctx, userID) {
			usable = append(usable, t)
		}
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Name() < usable[j].Name() })
	return usable
}

// Execute validates args against the tool's schema and runs it under the
// ambient user. The user id must already be in ctx.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return "", fmt.Errorf("tools: execute %s: %w", name, err)
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return "", &UnknownToolError{ToolName: name}
	}
	if !tool.Available(ctx, userID) {
		return "", &NotAvailableError{ToolName: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(normalizeArgs(args)); err != nil {
		r.record(name, "invalid_args")
		return "", &InvalidArgsError{ToolName: name, Cause: err}
	}

	result, err := tool.Run(ctx, args)
	if err != nil {
		r.record(name, "error")
		r.logger.WithContext(ctx).Warn("tool execution failed", "tool", name, "error", err)
		return "", err
	}
	r.record(name, "ok")
	r.logger.WithContext(ctx).Debug("tool executed", "tool", name)
	return result, nil
}

func (r *Registry) record(name, status string) {
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, status)
	}
}

// normalizeArgs round-trips args through JSON so the validator sees the
// types it expects (json numbers, not Go ints).
func normalizeArgs(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return args
	}
	return decoded
}
