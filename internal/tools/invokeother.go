package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mirahq/mira/internal/observability"
)

// InvokeOtherName is the registry name of the pass-through dispatcher.
const InvokeOtherName = "invokeother_tool"

type invokeotherArgs struct {
	ToolName  string         `json:"tool_name" jsonschema:"required,description=Name of the tool to invoke"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"description=Arguments to pass to the target tool"`
}

// InvokeOtherTool dispatches a call to any other registered tool. Providers
// only see the tool definitions sent with a request; when a response names a
// tool that was not in that set, the orchestrator routes the call through
// this tool so the target runs without another round trip.
type InvokeOtherTool struct {
	registry *Registry
	logger   *observability.Logger
}

// NewInvokeOtherTool builds the dispatcher bound to registry.
func NewInvokeOtherTool(registry *Registry, logger *observability.Logger) *InvokeOtherTool {
	return &InvokeOtherTool{
		registry: registry,
		logger:   logger.Component("tools.invokeother"),
	}
}

func (t *InvokeOtherTool) Name() string { return InvokeOtherName }

func (t *InvokeOtherTool) Description() string {
	return "Invoke a tool that is not in your current tool list. Pass the target tool name and its arguments; the result is returned as if you had called it directly."
}

func (t *InvokeOtherTool) InputSchema() json.RawMessage {
	return mustSchema(&invokeotherArgs{})
}

func (t *InvokeOtherTool) Available(ctx context.Context, userID string) bool {
	return t.registry != nil
}

func (t *InvokeOtherTool) Run(ctx context.Context, args map[string]any) (string, error) {
	var input invokeotherArgs
	if err := decodeArgs(args, &input); err != nil {
		return "", &InvalidArgsError{ToolName: InvokeOtherName, Cause: err}
	}
	if input.ToolName == InvokeOtherName {
		return "", fmt.Errorf("invokeother_tool: refusing to invoke itself")
	}
	if input.Arguments == nil {
		input.Arguments = map[string]any{}
	}

	t.logger.WithContext(ctx).Debug("dispatching deferred tool call",
		"target", input.ToolName,
	)
	return t.registry.Execute(ctx, input.ToolName, input.Arguments)
}
