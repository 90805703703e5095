package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mirahq/mira/pkg/models"
)

func (c *Client) openaiClient(ctx context.Context, req Request) (*openai.Client, error) {
	key, err := c.apiKey(ctx, req)
	if err != nil {
		return nil, err
	}
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = req.EndpointURL
	return openai.NewClientWithConfig(cfg), nil
}

func (c *Client) generateOpenAICompat(ctx context.Context, req Request) (*Response, error) {
	client, err := c.openaiClient(ctx, req)
	if err != nil {
		return nil, err
	}
	chatReq, err := c.openaiRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, chatReq.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Provider: "openai_compat",
			Model:    chatReq.Model,
			Message:  "response carried no choices",
		}
	}

	choice := resp.Choices[0]
	out := &Response{
		ID:               resp.ID,
		Model:            resp.Model,
		StopReason:       mapFinishReason(string(choice.FinishReason)),
		ReasoningDetails: choice.Message.ReasoningContent,
		InputTokens:      resp.Usage.PromptTokens,
		OutputTokens:     resp.Usage.CompletionTokens,
	}
	if choice.Message.ReasoningContent != "" {
		out.Blocks = append(out.Blocks, Block{Type: BlockThinking, Thinking: choice.Message.ReasoningContent})
	}
	if choice.Message.Content != "" {
		out.Blocks = append(out.Blocks, Block{Type: BlockText, Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		out.Blocks = append(out.Blocks, Block{
			Type:  BlockToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: toolArguments(call.Function.Arguments),
		})
	}
	// Some proxies return tool calls without setting finish_reason.
	if out.StopReason == StopEndTurn && len(choice.Message.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func (c *Client) streamOpenAICompat(ctx context.Context, req Request) (<-chan Chunk, error) {
	client, err := c.openaiClient(ctx, req)
	if err != nil {
		return nil, err
	}
	chatReq, err := c.openaiRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, chatReq.Model)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		processOpenAIStream(stream, chunks, chatReq.Model)
	}()
	return chunks, nil
}

func (c *Client) openaiRequest(req Request, stream bool) (openai.ChatCompletionRequest, error) {
	messages, err := openaiMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: c.maxTokens(req),
		Stream:    stream,
	}
	if temp, ok := c.temperature(req); ok {
		chatReq.Temperature = float32(temp)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}
	if req.ResponseFormat == "json_object" {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return chatReq, nil
}

// openaiMessages translates Anthropic-shaped messages to the OpenAI wire
// format: system becomes the leading message, tool_use blocks become
// tool_calls on the assistant turn, tool_result blocks each become their
// own role:tool message with the call id preserved. Thinking never goes
// outbound; reasoning payloads ride the dedicated field instead.
func openaiMessages(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			converted, err := openaiUserMessage(msg)
			if err != nil {
				return nil, err
			}
			result = append(result, converted...)

		case models.RoleAssistant:
			converted := openai.ChatCompletionMessage{
				Role:             openai.ChatMessageRoleAssistant,
				Content:          msg.Text(),
				ReasoningContent: msg.MetaString(models.MetaReasoningDetails),
			}
			for _, block := range msg.Content {
				if block.Type != models.ContentTypeToolUse {
					continue
				}
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   block.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Name,
						Arguments: string(toolArguments(string(block.Input))),
					},
				})
			}
			result = append(result, converted)

		case models.RoleTool:
			for _, block := range msg.Content {
				if block.Type != models.ContentTypeToolResult {
					continue
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.Content,
					ToolCallID: block.ToolUseID,
				})
			}
		}
	}
	return result, nil
}

func openaiUserMessage(msg models.Message) ([]openai.ChatCompletionMessage, error) {
	var parts []openai.ChatMessagePart
	var toolResults []openai.ChatCompletionMessage
	hasImage := false

	for _, block := range msg.Content {
		switch block.Type {
		case models.ContentTypeText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: block.Text,
			})
		case models.ContentTypeImage:
			if block.Source == nil {
				return nil, errors.New("openai_compat: image block without source")
			}
			hasImage = true
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case models.ContentTypeToolResult:
			// Anthropic carries tool results inside user turns; OpenAI
			// wants them as standalone tool messages.
			toolResults = append(toolResults, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    block.Content,
				ToolCallID: block.ToolUseID,
			})
		}
	}

	var result []openai.ChatCompletionMessage
	result = append(result, toolResults...)
	if hasImage {
		result = append(result, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	} else if text := msg.Text(); text != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		})
	}
	return result, nil
}

func openaiTools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}

// processOpenAIStream drains the completion stream. Tool calls arrive
// fragmented and keyed by index; they are assembled and emitted when the
// stream finishes or reports finish_reason=tool_calls.
func processOpenAIStream(stream *openai.ChatCompletionStream, chunks chan<- Chunk, model string) {
	toolCalls := make(map[int]*Block)
	stopReason := StopEndTurn
	var promptTokens, completionTokens int

	flushToolCalls := func() {
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			call := toolCalls[idx]
			if call.ID == "" || call.Name == "" {
				continue
			}
			call.Input = toolArguments(string(call.Input))
			chunks <- Chunk{ToolCall: call}
		}
		toolCalls = make(map[int]*Block)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- Chunk{
					Done:         true,
					StopReason:   stopReason,
					InputTokens:  promptTokens,
					OutputTokens: completionTokens,
				}
				return
			}
			chunks <- Chunk{Err: wrapOpenAIError(err, model), Done: true}
			return
		}

		if resp.Usage != nil {
			promptTokens = resp.Usage.PromptTokens
			completionTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- Chunk{Text: choice.Delta.Content}
		}
		if choice.Delta.ReasoningContent != "" {
			chunks <- Chunk{Thinking: choice.Delta.ReasoningContent}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := toolCalls[index]
			if call == nil {
				call = &Block{Type: BlockToolUse}
				toolCalls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			stopReason = mapFinishReason(string(choice.FinishReason))
			if choice.FinishReason == openai.FinishReasonToolCalls {
				flushToolCalls()
			}
		}
	}
}

// toolArguments normalizes a tool-call arguments payload. Proxies may omit
// the field entirely for parameterless tools.
func toolArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func wrapOpenAIError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		switch v := apiErr.Code.(type) {
		case string:
			code = v
		case fmt.Stringer:
			code = v.String()
		}
		return classify("openai_compat", model, apiErr.HTTPStatusCode, code, apiErr.Message, "", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classify("openai_compat", model, reqErr.HTTPStatusCode, "", reqErr.Error(), "", err)
	}

	return &ProviderError{
		Provider:  "openai_compat",
		Model:     model,
		Message:   err.Error(),
		Retryable: IsRetryable(err),
		Cause:     err,
	}
}
