package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/mirahq/mira/pkg/models"
)

// defaultThinkingBudget is the extended-thinking token budget when a request
// enables thinking without sizing it.
const defaultThinkingBudget = 10000

func (c *Client) anthropicClient(ctx context.Context, req Request) (anthropic.Client, error) {
	key, err := c.apiKey(ctx, req)
	if err != nil {
		return anthropic.Client{}, err
	}
	return anthropic.NewClient(option.WithAPIKey(key)), nil
}

func (c *Client) generateAnthropic(ctx context.Context, req Request) (*Response, error) {
	client, err := c.anthropicClient(ctx, req)
	if err != nil {
		return nil, err
	}
	params, err := c.anthropicParams(req)
	if err != nil {
		return nil, err
	}

	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err, string(params.Model))
	}
	return anthropicResponse(message), nil
}

func (c *Client) streamAnthropic(ctx context.Context, req Request) (<-chan Chunk, error) {
	client, err := c.anthropicClient(ctx, req)
	if err != nil {
		return nil, err
	}
	params, err := c.anthropicParams(req)
	if err != nil {
		return nil, err
	}

	stream := client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		processAnthropicStream(stream, chunks, string(params.Model))
	}()
	return chunks, nil
}

func (c *Client) anthropicParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: no messages to send")
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(c.maxTokens(req)),
	}

	system := req.System
	if req.ResponseFormat == "json_object" {
		// No native JSON mode; the instruction rides on the system tail.
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with a single valid JSON object and nothing else."
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         system,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}

	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	if req.ThinkingEnabled {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(defaultThinkingBudget)
	} else if temp, ok := c.temperature(req); ok {
		params.Temperature = anthropic.Float(temp)
	}

	return params, nil
}

// anthropicMessages converts the neutral message list. Tool results become
// user-role tool_result blocks; per-block ephemeral cache markers carry
// through.
func anthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			converted, err := anthropicBlock(block)
			if err != nil {
				return nil, err
			}
			if converted != nil {
				content = append(content, *converted)
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool turns are both user messages on the wire.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicBlock(block models.ContentBlock) (*anthropic.ContentBlockParamUnion, error) {
	var converted anthropic.ContentBlockParamUnion
	switch block.Type {
	case models.ContentTypeText:
		converted = anthropic.NewTextBlock(block.Text)
		if block.CacheControl != nil && converted.OfText != nil {
			converted.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}

	case models.ContentTypeImage:
		if block.Source == nil {
			return nil, errors.New("anthropic: image block without source")
		}
		converted = anthropic.NewImageBlockBase64(block.Source.MediaType, block.Source.Data)

	case models.ContentTypeToolUse:
		var input map[string]any
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool_use input for %s: %w", block.Name, err)
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		converted = anthropic.NewToolUseBlock(block.ID, input, block.Name)
		if block.CacheControl != nil && converted.OfToolUse != nil {
			converted.OfToolUse.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}

	case models.ContentTypeToolResult:
		converted = anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError)

	case models.ContentTypeContainerUpload:
		// Provider-side file references are not part of the generation
		// payload; skip them.
		return nil, nil

	default:
		return nil, fmt.Errorf("anthropic: unsupported content block type %q", block.Type)
	}
	return &converted, nil
}

func anthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func anthropicResponse(message *anthropic.Message) *Response {
	resp := &Response{
		ID:           message.ID,
		Model:        string(message.Model),
		StopReason:   normalizeStopReason(string(message.StopReason)),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, Block{Type: BlockText, Text: block.Text})
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.Blocks = append(resp.Blocks, Block{
				Type:  BlockToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		case "thinking":
			resp.Blocks = append(resp.Blocks, Block{
				Type:      BlockThinking,
				Thinking:  block.Thinking,
				Signature: block.Signature,
			})
		}
	}
	return resp
}

// processAnthropicStream drains the SSE stream into chunks. Tool input JSON
// accumulates across input_json_delta events and is emitted once complete.
func processAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	var toolCall *Block
	var toolInput strings.Builder
	var inputTokens, outputTokens int
	stopReason := StopEndTurn

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				toolCall = &Block{Type: BlockToolUse, ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- Chunk{Thinking: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if toolCall != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				toolCall.Input = json.RawMessage(input)
				chunks <- Chunk{ToolCall: toolCall}
				toolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Delta.StopReason != "" {
				stopReason = normalizeStopReason(string(messageDelta.Delta.StopReason))
			}
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- Chunk{
				Done:         true,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: wrapAnthropicError(err, model), Done: true}
		return
	}
	chunks <- Chunk{Done: true, StopReason: stopReason, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "", "end_turn", "stop_sequence":
		return StopEndTurn
	default:
		return StopEndTurn
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := ""
		code := ""
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if message == "" {
			message = "anthropic request failed"
		}
		return classify("anthropic", model, apiErr.StatusCode, code, message, requestID, err)
	}

	return &ProviderError{
		Provider:  "anthropic",
		Model:     model,
		Message:   err.Error(),
		Retryable: IsRetryable(err),
		Cause:     err,
	}
}
