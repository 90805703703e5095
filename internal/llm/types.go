// Package llm is the provider-neutral LLM client. The native path speaks to
// Anthropic through the official SDK; setting EndpointURL on a request
// routes it through a generic OpenAI-compatible translation instead. Both
// paths return Anthropic-shaped content blocks and one error vocabulary.
package llm

import (
	"encoding/json"
	"strings"

	"github.com/mirahq/mira/pkg/models"
)

// Stop reasons, normalized to the Anthropic vocabulary on both paths.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response block types.
const (
	BlockText     = "text"
	BlockToolUse  = "tool_use"
	BlockThinking = "thinking"
)

// ToolDefinition describes one callable tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one generation request. Zero fields fall back to the client's
// configured defaults.
type Request struct {
	Messages []models.Message
	System   string
	Tools    []ToolDefinition

	// EndpointURL selects the OpenAI-compatible path when non-empty.
	EndpointURL string

	// Model overrides the default model; APIKey overrides the cached key
	// (peripheral providers carry their own credentials).
	Model  string
	APIKey string

	Temperature     *float64
	MaxTokens       int
	ThinkingEnabled bool

	// ResponseFormat is "" or "json_object". The native path emulates JSON
	// mode through the system prompt; the compatible path sends the real
	// response_format field.
	ResponseFormat string
}

// Block is one Anthropic-shaped response content block.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Response is the provider-neutral generation result.
type Response struct {
	ID     string
	Model  string
	Blocks []Block

	// StopReason is end_turn, tool_use or max_tokens.
	StopReason string

	// ReasoningDetails carries the raw reasoning payload from
	// OpenAI-compatible reasoning models so the caller can round-trip it
	// on the next turn. Empty on the native path (thinking blocks carry
	// the content there).
	ReasoningDetails string

	InputTokens  int
	OutputTokens int
}

// ToolCalls returns the tool_use blocks of the response.
func (r *Response) ToolCalls() []Block {
	var calls []Block
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

// Chunk is one streamed fragment. Exactly one payload field is set per
// chunk; Done closes the logical stream with the final stop reason.
type Chunk struct {
	Text     string
	Thinking string

	// ToolCall is emitted once per call, after its input JSON is complete.
	ToolCall *Block

	Done       bool
	StopReason string

	InputTokens  int
	OutputTokens int

	Err error
}

// userTurn wraps plain text into a single-message conversation.
func userTurn(text string) ([]models.Message, error) {
	msg, err := models.NewUserMessage(text)
	if err != nil {
		return nil, err
	}
	return []models.Message{msg}, nil
}

// ExtractTextContent concatenates the text blocks of a response.
func ExtractTextContent(resp *Response) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range resp.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
