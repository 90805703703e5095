package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mirahq/mira/internal/observability"
)

// fakeTool is a configurable Tool for registry tests.
type fakeTool struct {
	name      string
	schema    string
	available bool
	run       func(ctx context.Context, args map[string]any) (string, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool for tests" }

func (f *fakeTool) InputSchema() json.RawMessage {
	if f.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(f.schema)
}

func (f *fakeTool) Available(ctx context.Context, userID string) bool { return f.available }

func (f *fakeTool) Run(ctx context.Context, args map[string]any) (string, error) {
	if f.run != nil {
		return f.run(ctx, args)
	}
	return "ok", nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(observability.NewTestLogger(nil), nil)
}

func userCtx(userID string) context.Context {
	return observability.AddUserID(context.Background(), userID)
}

func TestRegistryRegister(t *testing.T) {
	tests := []struct {
		name    string
		tool    Tool
		wantErr string
	}{
		{
			name: "valid tool",
			tool: &fakeTool{name: "echo_tool", available: true},
		},
		{
			name:    "empty name",
			tool:    &fakeTool{name: ""},
			wantErr: "empty name",
		},
		{
			name:    "invalid schema",
			tool:    &fakeTool{name: "broken_tool", schema: `{"type":`},
			wantErr: "compile schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			err := reg.Register(tt.tool)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Register() error = %v, want nil", err)
				}
				if _, ok := reg.Get(tt.tool.Name()); !ok {
					t.Errorf("Get(%q) not found after Register", tt.tool.Name())
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Register() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(&fakeTool{name: "echo_tool"}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	err := reg.Register(&fakeTool{name: "echo_tool"})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("duplicate Register() error = %v, want already registered", err)
	}
}

func TestRegistryExecute(t *testing.T) {
	echoSchema := `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`

	tests := []struct {
		name     string
		ctx      context.Context
		tool     string
		args     map[string]any
		want     string
		wantErr  string
		asErr    func(error) bool
	}{
		{
			name: "runs with valid args",
			ctx:  userCtx("user-1"),
			tool: "echo_tool",
			args: map[string]any{"text": "hello"},
			want: "echo: hello",
		},
		{
			name:    "missing user id",
			ctx:     context.Background(),
			tool:    "echo_tool",
			args:    map[string]any{"text": "hello"},
			wantErr: "user id",
		},
		{
			name:  "unknown tool",
			ctx:   userCtx("user-1"),
			tool:  "maps_tool",
			asErr: func(err error) bool { var e *UnknownToolError; return errors.As(err, &e) && e.ToolName == "maps_tool" },
		},
		{
			name:  "unavailable tool",
			ctx:   userCtx("user-1"),
			tool:  "hidden_tool",
			asErr: func(err error) bool { var e *NotAvailableError; return errors.As(err, &e) },
		},
		{
			name:  "invalid args rejected before run",
			ctx:   userCtx("user-1"),
			tool:  "echo_tool",
			args:  map[string]any{"text": 7},
			asErr: func(err error) bool { var e *InvalidArgsError; return errors.As(err, &e) && e.ToolName == "echo_tool" },
		},
		{
			name:  "unexpected property rejected",
			ctx:   userCtx("user-1"),
			tool:  "echo_tool",
			args:  map[string]any{"text": "hi", "mode": "loud"},
			asErr: func(err error) bool { var e *InvalidArgsError; return errors.As(err, &e) },
		},
		{
			name:    "nil args fail a required schema",
			ctx:     userCtx("user-1"),
			tool:    "echo_tool",
			args:    nil,
			wantErr: "invalid arguments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			echo := &fakeTool{
				name:      "echo_tool",
				schema:    echoSchema,
				available: true,
				run: func(ctx context.Context, args map[string]any) (string, error) {
					return "echo: " + args["text"].(string), nil
				},
			}
			hidden := &fakeTool{name: "hidden_tool", available: false}
			for _, tool := range []Tool{echo, hidden} {
				if err := reg.Register(tool); err != nil {
					t.Fatalf("Register(%s) error = %v", tool.Name(), err)
				}
			}

			got, err := reg.Execute(tt.ctx, tt.tool, tt.args)
			if tt.wantErr == "" && tt.asErr == nil {
				if err != nil {
					t.Fatalf("Execute() error = %v, want nil", err)
				}
				if got != tt.want {
					t.Errorf("Execute() = %q, want %q", got, tt.want)
				}
				return
			}
			if err == nil {
				t.Fatal("Execute() error = nil, want error")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Execute() error = %v, want containing %q", err, tt.wantErr)
			}
			if tt.asErr != nil && !tt.asErr(err) {
				t.Errorf("Execute() error = %v, wrong type", err)
			}
		})
	}
}

func TestRegistryExecutePropagatesRunError(t *testing.T) {
	reg := newTestRegistry(t)
	boom := errors.New("backend down")
	err := reg.Register(&fakeTool{
		name:      "flaky_tool",
		available: true,
		run: func(ctx context.Context, args map[string]any) (string, error) {
			return "", boom
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err = reg.Execute(userCtx("user-1"), "flaky_tool", map[string]any{})
	if !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want %v", err, boom)
	}
}

func TestRegistryAvailable(t *testing.T) {
	reg := newTestRegistry(t)
	for _, tool := range []Tool{
		&fakeTool{name: "zeta_tool", available: true},
		&fakeTool{name: "alpha_tool", available: true},
		&fakeTool{name: "hidden_tool", available: false},
	} {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}

	usable := reg.Available(userCtx("user-1"), "user-1")
	names := make([]string, len(usable))
	for i, tool := range usable {
		names[i] = tool.Name()
	}
	want := []string{"alpha_tool", "invokeother_tool", "zeta_tool"}
	// invokeother is not registered here; drop it from want.
	want = []string{"alpha_tool", "zeta_tool"}
	if len(names) != len(want) {
		t.Fatalf("Available() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Available()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestSchemaFor(t *testing.T) {
	raw, err := schemaFor(&invokeotherArgs{})
	if err != nil {
		t.Fatalf("schemaFor() error = %v", err)
	}

	var schema struct {
		Type                 string         `json:"type"`
		Properties           map[string]any `json:"properties"`
		Required             []string       `json:"required"`
		AdditionalProperties bool           `json:"additionalProperties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("schema type = %q, want object", schema.Type)
	}
	if _, ok := schema.Properties["tool_name"]; !ok {
		t.Errorf("schema missing tool_name property: %v", schema.Properties)
	}
	found := false
	for _, req := range schema.Required {
		if req == "tool_name" {
			found = true
		}
	}
	if !found {
		t.Errorf("schema required = %v, want tool_name listed", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Error("schema allows additional properties, want closed")
	}
}

func TestBuiltinSchemasCompile(t *testing.T) {
	reg := newTestRegistry(t)
	logger := observability.NewTestLogger(nil)

	tools := []Tool{
		NewMemoryTool(nil, logger),
		NewDomaindocsTool(nil, logger),
		NewInvokeOtherTool(reg, logger),
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Errorf("Register(%s) error = %v", tool.Name(), err)
		}
	}
}

func TestInvokeOtherDispatch(t *testing.T) {
	reg := newTestRegistry(t)
	echo := &fakeTool{
		name:      "echo_tool",
		schema:    `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		available: true,
		run: func(ctx context.Context, args map[string]any) (string, error) {
			return "echo: " + args["text"].(string), nil
		},
	}
	invoker := NewInvokeOtherTool(reg, observability.NewTestLogger(nil))
	for _, tool := range []Tool{echo, invoker} {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}

	ctx := userCtx("user-1")

	got, err := reg.Execute(ctx, InvokeOtherName, map[string]any{
		"tool_name": "echo_tool",
		"arguments": map[string]any{"text": "deferred"},
	})
	if err != nil {
		t.Fatalf("Execute(invokeother) error = %v", err)
	}
	if got != "echo: deferred" {
		t.Errorf("Execute(invokeother) = %q, want %q", got, "echo: deferred")
	}

	// Target argument validation still applies through the dispatcher.
	_, err = reg.Execute(ctx, InvokeOtherName, map[string]any{
		"tool_name": "echo_tool",
		"arguments": map[string]any{"text": 3},
	})
	var invalid *InvalidArgsError
	if !errors.As(err, &invalid) || invalid.ToolName != "echo_tool" {
		t.Errorf("Execute(invokeother bad args) error = %v, want InvalidArgsError for echo_tool", err)
	}

	// Unknown targets surface as UnknownToolError.
	_, err = reg.Execute(ctx, InvokeOtherName, map[string]any{"tool_name": "maps_tool"})
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) || unknown.ToolName != "maps_tool" {
		t.Errorf("Execute(invokeother unknown) error = %v, want UnknownToolError for maps_tool", err)
	}
}

func TestInvokeOtherRefusesSelf(t *testing.T) {
	reg := newTestRegistry(t)
	invoker := NewInvokeOtherTool(reg, observability.NewTestLogger(nil))
	if err := reg.Register(invoker); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := reg.Execute(userCtx("user-1"), InvokeOtherName, map[string]any{
		"tool_name": InvokeOtherName,
	})
	if err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Errorf("self-invocation error = %v, want refusal", err)
	}
}

func TestNormalizeArgsMakesGoIntsValidate(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.Register(&fakeTool{
		name:      "count_tool",
		schema:    `{"type":"object","properties":{"limit":{"type":"integer"}},"required":["limit"]}`,
		available: true,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// A Go int would fail jsonschema validation without the JSON round trip.
	if _, err := reg.Execute(userCtx("user-1"), "count_tool", map[string]any{"limit": 5}); err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
}
