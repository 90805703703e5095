// Package observability provides structured logging, metrics and tracing
// for MIRA.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Context keys for request-scoped logging attributes.
type contextKey string

const (
	// RequestIDKey carries the request correlation id.
	RequestIDKey contextKey = "request_id"
	// UserIDKey carries the ambient user id.
	UserIDKey contextKey = "user_id"
	// ContinuumIDKey carries the continuum being operated on.
	ContinuumIDKey contextKey = "continuum_id"
)

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is "json" or "text". Defaults to json.
	Format string `yaml:"format"`

	// Output is "stdout" or "stderr". Defaults to stdout.
	Output string `yaml:"output"`

	// AddSource includes the file:line of the log call.
	AddSource bool `yaml:"add_source"`

	// RedactPatterns are regexes whose matches are masked in string
	// attribute values before emission.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// DefaultRedactPatterns mask credentials that tend to leak into logs:
// bearer tokens, api keys and Vault secret ids.
var DefaultRedactPatterns = []string{
	`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	`(?i)(api[_-]?key|secret[_-]?id|role[_-]?id|password)["']?\s*[:=]\s*["']?[^\s"']+`,
	`sk-[A-Za-z0-9]{20,}`,
}

// Logger wraps slog with context extraction and redaction.
type Logger struct {
	*slog.Logger
	redactors []*regexp.Regexp
}

// NewLogger builds a Logger from config. Invalid patterns are skipped rather
// than failing boot.
func NewLogger(cfg LogConfig) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	patterns := cfg.RedactPatterns
	if len(patterns) == 0 {
		patterns = DefaultRedactPatterns
	}
	redactors := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		redactors = append(redactors, re)
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(redactString(a.Value.String(), redactors))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler), redactors: redactors}
}

// NewTestLogger returns a logger that writes text to the given writer,
// useful in tests. A nil writer discards everything.
func NewTestLogger(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

// With returns a child logger with the given attrs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), redactors: l.redactors}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// WithContext returns a child logger carrying the request-scoped ids found
// in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		logger = logger.With("request_id", v)
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		logger = logger.With("user_id", v)
	}
	if v, ok := ctx.Value(ContinuumIDKey).(string); ok && v != "" {
		logger = logger.With("continuum_id", v)
	}
	return &Logger{Logger: logger, redactors: l.redactors}
}

// Redact applies the configured redaction patterns to s.
func (l *Logger) Redact(s string) string {
	return redactString(s, l.redactors)
}

func redactString(s string, redactors []*regexp.Regexp) string {
	for _, re := range redactors {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// AddRequestID returns a context carrying the request correlation id.
func AddRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// AddUserID returns a context carrying the ambient user id. Every
// user-scoped storage call reads this value.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// AddContinuumID returns a context carrying the continuum id.
func AddContinuumID(ctx context.Context, continuumID string) context.Context {
	return context.WithValue(ctx, ContinuumIDKey, continuumID)
}

// GetRequestID reads the request id from ctx, or "".
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// GetUserID reads the ambient user id from ctx, or "".
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetContinuumID reads the continuum id from ctx, or "".
func GetContinuumID(ctx context.Context) string {
	v, _ := ctx.Value(ContinuumIDKey).(string)
	return v
}

// RequireUserID reads the ambient user id and errors when it is unset.
// Background workers call this before doing user-scoped work so that a
// missing context is an error, never a cross-user leak.
func RequireUserID(ctx context.Context) (string, error) {
	v, _ := ctx.Value(UserIDKey).(string)
	if v == "" {
		return "", fmt.Errorf("no ambient user id in context")
	}
	return v, nil
}
