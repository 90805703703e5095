package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/secrets"
)

// embeddingDimension is the width every MIRA embedding must have.
const embeddingDimension = 768

// EmbeddingClient generates 768-wide embeddings through an OpenAI-compatible
// endpoint. It implements the memory embedder capability.
type EmbeddingClient struct {
	cfg     config.EmbeddingsConfig
	secrets *secrets.Cache
	logger  *observability.Logger
}

// NewEmbeddingClient builds the embeddings adapter.
func NewEmbeddingClient(cfg config.EmbeddingsConfig, cache *secrets.Cache, logger *observability.Logger) *EmbeddingClient {
	return &EmbeddingClient{
		cfg:     cfg,
		secrets: cache,
		logger:  logger.Component("embeddings"),
	}
}

// Dimension returns the embedding width.
func (e *EmbeddingClient) Dimension() int { return embeddingDimension }

// GenerateEmbedding embeds one text.
func (e *EmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.GenerateEmbeddingsBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GenerateEmbeddingsBatch embeds texts in configured-size slices, preserving
// input order.
func (e *EmbeddingClient) GenerateEmbeddingsBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(e.cfg.Model),
		})
		if err != nil {
			return nil, wrapOpenAIError(err, e.cfg.Model)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, item := range resp.Data {
			if len(item.Embedding) != embeddingDimension {
				return nil, fmt.Errorf("embeddings: model %s returned %d dimensions, need %d",
					e.cfg.Model, len(item.Embedding), embeddingDimension)
			}
			out = append(out, item.Embedding)
		}
	}
	return out, nil
}

func (e *EmbeddingClient) client(ctx context.Context) (*openai.Client, error) {
	key := "unused"
	if e.cfg.APIKeyPath != "" {
		resolved, err := e.secrets.Get(ctx, e.cfg.APIKeyPath, apiKeyField)
		if err != nil {
			return nil, fmt.Errorf("resolve embeddings api key: %w", err)
		}
		key = resolved
	}
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = e.cfg.EndpointURL
	return openai.NewClientWithConfig(cfg), nil
}
