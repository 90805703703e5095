package llm

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ContextOverflowError reports that the prompt exceeded the model's context
// window. Segment summarization recovers from it by chunking; every other
// caller surfaces it.
type ContextOverflowError struct {
	Provider string
	Model    string
	Message  string
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow on %s model=%s: %s", e.Provider, e.Model, e.Message)
}

// ToolNotLoadedError reports that the provider rejected a tool call because
// the tool was not in the request's tool list. The orchestrator recovers by
// routing the call through invokeother_tool.
type ToolNotLoadedError struct {
	ToolName string
	Message  string
}

func (e *ToolNotLoadedError) Error() string {
	if e.ToolName == "" {
		return fmt.Sprintf("tool not loaded: %s", e.Message)
	}
	return fmt.Sprintf("tool not loaded: %s", e.ToolName)
}

// RateLimitError reports provider throttling (HTTP 429).
type RateLimitError struct {
	Provider string
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: %s", e.Provider, e.Message)
}

// PermissionError reports an authentication or authorization failure. It is
// shared with the secrets package semantics: the message never confirms
// whether the requested resource exists.
type PermissionError struct {
	Provider string
	Message  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied by %s: %s", e.Provider, e.Message)
}

// ProviderError is the structured catch-all for provider failures that do
// not map to a more specific type. Retryable is true for 5xx and transport
// faults.
type ProviderError struct {
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Retryable bool
	Cause     error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, e.Provider)
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// IsContextOverflow reports whether err is a context-window overflow.
func IsContextOverflow(err error) bool {
	var overflow *ContextOverflowError
	return errors.As(err, &overflow)
}

// IsRetryable reports whether retrying the same request may succeed.
func IsRetryable(err error) bool {
	var rate *RateLimitError
	if errors.As(err, &rate) {
		return true
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.Retryable
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

// quotedToolName pulls the tool name out of provider messages like
// "attempted to call tool 'maps_tool' which was not in request.tools".
var quotedToolName = regexp.MustCompile(`['"]([A-Za-z0-9_.-]+)['"]`)

// classify maps a provider HTTP failure onto the MIRA error taxonomy. Both
// the native and the OpenAI-compatible paths funnel through here so the
// orchestrator sees one vocabulary.
func classify(provider, model string, status int, code, message, requestID string, cause error) error {
	lowerMsg := strings.ToLower(message)
	lowerCode := strings.ToLower(code)

	switch {
	case status == http.StatusBadRequest &&
		(lowerCode == "context_length_exceeded" ||
			strings.Contains(lowerMsg, "reduce the length") ||
			strings.Contains(lowerMsg, "prompt is too long")):
		return &ContextOverflowError{Provider: provider, Model: model, Message: message}

	case status == http.StatusBadRequest && lowerCode == "tool_use_failed":
		name := ""
		if m := quotedToolName.FindStringSubmatch(message); m != nil {
			name = m[1]
		}
		return &ToolNotLoadedError{ToolName: name, Message: message}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &PermissionError{Provider: provider, Message: message}

	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: provider, Message: message}
	}

	return &ProviderError{
		Provider:  provider,
		Model:     model,
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Retryable: status >= 500,
		Cause:     cause,
	}
}
