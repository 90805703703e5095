package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		message string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "400 context_length_exceeded code",
			status:  400,
			code:    "context_length_exceeded",
			message: "this model's maximum context length is 128000 tokens",
			check: func(t *testing.T, err error) {
				if !IsContextOverflow(err) {
					t.Errorf("classify() = %v, want ContextOverflowError", err)
				}
			},
		},
		{
			name:    "400 reduce the length message",
			status:  400,
			message: "Please reduce the length of the messages or completion.",
			check: func(t *testing.T, err error) {
				if !IsContextOverflow(err) {
					t.Errorf("classify() = %v, want ContextOverflowError", err)
				}
			},
		},
		{
			name:    "400 prompt is too long",
			status:  400,
			code:    "invalid_request_error",
			message: "prompt is too long: 217k tokens > 200k maximum",
			check: func(t *testing.T, err error) {
				if !IsContextOverflow(err) {
					t.Errorf("classify() = %v, want ContextOverflowError", err)
				}
			},
		},
		{
			name:    "400 tool_use_failed extracts tool name",
			status:  400,
			code:    "tool_use_failed",
			message: "tool call validation failed: attempted to call tool 'maps_tool' which was not in request.tools",
			check: func(t *testing.T, err error) {
				var notLoaded *ToolNotLoadedError
				if !errors.As(err, &notLoaded) {
					t.Fatalf("classify() = %v, want ToolNotLoadedError", err)
				}
				if notLoaded.ToolName != "maps_tool" {
					t.Errorf("ToolName = %q, want %q", notLoaded.ToolName, "maps_tool")
				}
			},
		},
		{
			name:    "400 tool_use_failed without quoted name",
			status:  400,
			code:    "tool_use_failed",
			message: "tool call validation failed",
			check: func(t *testing.T, err error) {
				var notLoaded *ToolNotLoadedError
				if !errors.As(err, &notLoaded) {
					t.Fatalf("classify() = %v, want ToolNotLoadedError", err)
				}
				if notLoaded.ToolName != "" {
					t.Errorf("ToolName = %q, want empty", notLoaded.ToolName)
				}
			},
		},
		{
			name:    "401 permission",
			status:  401,
			message: "invalid x-api-key",
			check: func(t *testing.T, err error) {
				var perm *PermissionError
				if !errors.As(err, &perm) {
					t.Errorf("classify() = %v, want PermissionError", err)
				}
			},
		},
		{
			name:    "403 permission",
			status:  403,
			message: "forbidden",
			check: func(t *testing.T, err error) {
				var perm *PermissionError
				if !errors.As(err, &perm) {
					t.Errorf("classify() = %v, want PermissionError", err)
				}
			},
		},
		{
			name:    "429 rate limit",
			status:  429,
			message: "rate limit exceeded",
			check: func(t *testing.T, err error) {
				var rate *RateLimitError
				if !errors.As(err, &rate) {
					t.Errorf("classify() = %v, want RateLimitError", err)
				}
				if !IsRetryable(err) {
					t.Error("IsRetryable(429) = false, want true")
				}
			},
		},
		{
			name:    "500 retryable provider error",
			status:  500,
			message: "internal server error",
			check: func(t *testing.T, err error) {
				var provider *ProviderError
				if !errors.As(err, &provider) {
					t.Fatalf("classify() = %v, want ProviderError", err)
				}
				if !provider.Retryable {
					t.Error("Retryable = false, want true for 5xx")
				}
			},
		},
		{
			name:    "other 400 not retryable",
			status:  400,
			code:    "invalid_request_error",
			message: "messages: at least one message is required",
			check: func(t *testing.T, err error) {
				var provider *ProviderError
				if !errors.As(err, &provider) {
					t.Fatalf("classify() = %v, want ProviderError", err)
				}
				if provider.Retryable {
					t.Error("Retryable = true, want false for 400")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("anthropic", "claude-sonnet-4-20250514", tt.status, tt.code, tt.message, "", nil)
			tt.check(t, err)
		})
	}
}

func TestIsRetryableRawErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request timeout"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"validation", errors.New("invalid schema"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		Provider: "openai_compat",
		Model:    "llama-3.3-70b",
		Status:   502,
		Code:     "bad_gateway",
		Message:  "upstream unavailable",
	}
	got := err.Error()
	for _, want := range []string{"openai_compat", "model=llama-3.3-70b", "status=502", "code=bad_gateway", "upstream unavailable"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}
