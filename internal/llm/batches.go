package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/pkg/models"
)

// SubmitBatch submits prompts to the provider's asynchronous batch API and
// returns the provider batch id. Each request becomes one single-turn
// completion under the classifier model.
func (c *Client) SubmitBatch(ctx context.Context, requests []memory.BatchRequest) (string, error) {
	if len(requests) == 0 {
		return "", fmt.Errorf("submit batch: no requests")
	}
	client, err := c.anthropicClient(ctx, Request{})
	if err != nil {
		return "", err
	}

	items := make([]anthropic.MessageBatchNewParamsRequest, 0, len(requests))
	for _, req := range requests {
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = c.cfg.MaxTokens
		}
		params := anthropic.MessageBatchNewParamsRequestParams{
			Model:     anthropic.Model(c.cfg.ClassifierModel),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			},
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}
		items = append(items, anthropic.MessageBatchNewParamsRequest{
			CustomID: req.CustomID,
			Params:   params,
		})
	}

	batch, err := client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: items})
	if err != nil {
		return "", wrapAnthropicError(err, c.cfg.ClassifierModel)
	}

	c.logger.WithContext(ctx).Info("batch submitted",
		"provider_batch_id", batch.ID,
		"requests", len(items))
	return batch.ID, nil
}

// GetBatch reports a provider batch's state. Results are fetched only once
// the batch has ended; failed items carry their raw result payload in Err.
func (c *Client) GetBatch(ctx context.Context, providerBatchID string) (*memory.BatchStatus, error) {
	client, err := c.anthropicClient(ctx, Request{})
	if err != nil {
		return nil, err
	}

	batch, err := client.Messages.Batches.Get(ctx, providerBatchID)
	if err != nil {
		return nil, wrapAnthropicError(err, c.cfg.ClassifierModel)
	}

	status := &memory.BatchStatus{ProviderBatchID: batch.ID}
	if batch.ProcessingStatus != anthropic.MessageBatchProcessingStatusEnded {
		status.State = models.BatchProcessing
		return status, nil
	}
	status.State = models.BatchCompleted

	stream := client.Messages.Batches.ResultsStreaming(ctx, providerBatchID)
	for stream.Next() {
		row := stream.Current()
		result := memory.BatchResult{CustomID: row.CustomID}
		if row.Result.Type == "succeeded" {
			message := row.Result.Message
			result.Content = ExtractTextContent(anthropicResponse(&message))
		} else {
			result.Err = fmt.Sprintf("batch item %s: %s", row.Result.Type, row.Result.RawJSON())
		}
		status.Results = append(status.Results, result)
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError(err, c.cfg.ClassifierModel)
	}
	return status, nil
}
