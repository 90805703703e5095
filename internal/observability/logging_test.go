package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLogger_Redaction(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "bearer token",
			input: "auth header Bearer abc123def456 rejected",
			want:  "[REDACTED]",
		},
		{
			name:  "api key assignment",
			input: `api_key: "sk_live_000111222"`,
			want:  "[REDACTED]",
		},
		{
			name:  "plain text untouched",
			input: "segment collapsed",
			want:  "segment collapsed",
		},
	}

	logger := NewLogger(LogConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := logger.Redact(tt.input)
			if !strings.Contains(got, tt.want) {
				t.Errorf("Redact(%q) = %q, want to contain %q", tt.input, got, tt.want)
			}
			if tt.want == "[REDACTED]" && strings.Contains(got, "abc123def456") {
				t.Errorf("secret survived redaction: %q", got)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddUserID(ctx, "user-7")
	ctx = AddContinuumID(ctx, "cont-9")

	logger.WithContext(ctx).Info("hello")

	out := buf.String()
	for _, want := range []string{"request_id=req-1", "user_id=user-7", "continuum_id=cont-9"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()

	if got := GetUserID(ctx); got != "" {
		t.Errorf("empty context returned user id %q", got)
	}
	if _, err := RequireUserID(ctx); err == nil {
		t.Error("RequireUserID should fail on empty context")
	}

	ctx = AddUserID(ctx, "user-1")
	if got := GetUserID(ctx); got != "user-1" {
		t.Errorf("GetUserID = %q", got)
	}
	uid, err := RequireUserID(ctx)
	if err != nil || uid != "user-1" {
		t.Errorf("RequireUserID = %q, %v", uid, err)
	}
}

func TestNewLogger_LevelParsing(t *testing.T) {
	// Invalid levels fall back to info without panicking.
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		logger := NewLogger(LogConfig{Level: level, Format: "text", Output: "stderr"})
		if logger == nil {
			t.Fatalf("NewLogger(%q) returned nil", level)
		}
	}
}
