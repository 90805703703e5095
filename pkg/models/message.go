// Package models defines the core data types shared across MIRA.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message authored by the user.
	RoleUser Role = "user"
	// RoleAssistant is a message authored by the model.
	RoleAssistant Role = "assistant"
	// RoleTool is a tool execution result.
	RoleTool Role = "tool"
)

// Content block types. The set mirrors the Anthropic block taxonomy so that
// messages can be handed to a provider without reshaping.
const (
	ContentTypeText            = "text"
	ContentTypeImage           = "image"
	ContentTypeToolUse         = "tool_use"
	ContentTypeToolResult      = "tool_result"
	ContentTypeContainerUpload = "container_upload"
)

// Validation errors for Message construction.
var (
	ErrInvalidRole  = errors.New("invalid message role")
	ErrEmptyContent = errors.New("message content must not be empty")
)

// CacheControl marks a content block for provider-side prompt caching.
type CacheControl struct {
	Type string `json:"type"`
}

// EphemeralCache returns the standard ephemeral cache marker.
func EphemeralCache() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// ImageSource carries image bytes for an image content block.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is one typed element of a message's content.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// container_upload
	FileID string `json:"file_id,omitempty"`

	// Transient provider hint; never persisted.
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// MessageContent is the content of a message: one or more typed blocks.
// It round-trips both the bare-string and block-list JSON encodings.
type MessageContent []ContentBlock

// MarshalJSON emits a bare string when the content is a single plain text
// block, matching how synopses and simple turns are stored.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c) == 1 && c[0].Type == ContentTypeText && c[0].CacheControl == nil {
		return json.Marshal(c[0].Text)
	}
	return json.Marshal([]ContentBlock(c))
}

// UnmarshalJSON accepts either a bare string or a list of blocks.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{TextBlock(s)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("decode message content: %w", err)
	}
	*c = MessageContent(blocks)
	return nil
}

// Empty reports whether the content carries no usable payload.
func (c MessageContent) Empty() bool {
	if len(c) == 0 {
		return true
	}
	for _, b := range c {
		if b.Type != ContentTypeText {
			return false
		}
		if strings.TrimSpace(b.Text) != "" {
			return false
		}
	}
	return true
}

// Text returns the concatenation of all text blocks.
func (c MessageContent) Text() string {
	var sb strings.Builder
	for _, b := range c {
		if b.Type == ContentTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Message is an immutable conversation turn. Once persisted, id, role,
// content and created_at never change; metadata updates go through
// WithMetadata, which returns a copy.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   MessageContent `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage constructs a validated message with a fresh UUID and UTC
// timestamp.
func NewMessage(role Role, content MessageContent, metadata map[string]any) (Message, error) {
	m := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// NewUserMessage builds a user turn from plain text.
func NewUserMessage(text string) (Message, error) {
	return NewMessage(RoleUser, MessageContent{TextBlock(text)}, nil)
}

// NewAssistantMessage builds an assistant turn. Blank content is only legal
// when the metadata carries has_tool_calls=true.
func NewAssistantMessage(content MessageContent, metadata map[string]any) (Message, error) {
	return NewMessage(RoleAssistant, content, metadata)
}

// NewToolMessage builds a tool result turn bound to the originating call.
func NewToolMessage(content string, toolCallID string) (Message, error) {
	return NewMessage(RoleTool, MessageContent{{
		Type:      ContentTypeToolResult,
		ToolUseID: toolCallID,
		Content:   content,
	}}, map[string]any{MetaToolCallID: toolCallID})
}

// Validate checks the message invariants: role membership and non-empty
// content (except assistant turns that carry tool calls).
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	if m.Content.Empty() {
		if m.Role == RoleAssistant && m.MetaBool(MetaHasToolCalls) {
			return nil
		}
		return ErrEmptyContent
	}
	return nil
}

// WithMetadata returns a copy of the message with one metadata key set. The
// receiver is not modified.
func (m Message) WithMetadata(key string, value any) Message {
	meta := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

// WithContent returns a copy of the message carrying different content.
// Used only for the in-place sentinel mutation during collapse.
func (m Message) WithContent(content MessageContent) Message {
	m.Content = content
	return m
}

// Text returns the concatenated text blocks of the message.
func (m Message) Text() string {
	return m.Content.Text()
}

// MetaString reads a string metadata value, returning "" when absent or of
// another type.
func (m Message) MetaString(key string) string {
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaBool reads a boolean metadata value.
func (m Message) MetaBool(key string) bool {
	v, ok := m.Metadata[key].(bool)
	return ok && v
}

// MetaInt reads an integer metadata value, tolerating float64 from JSON
// decoding.
func (m Message) MetaInt(key string) int {
	switch v := m.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// MetaStrings reads a string-list metadata value, tolerating []any from
// JSON decoding.
func (m Message) MetaStrings(key string) []string {
	switch v := m.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
