package memory

import (
	"context"

	"github.com/mirahq/mira/pkg/models"
)

// Embedder produces fixed-width embeddings. Implementations must be
// deterministic for a given text so that query caching stays sound.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddingsBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Reranker reorders candidate documents by relevance to a query. Rerank
// returns indices into documents, best first, at most topK of them.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]int, error)
}

// Classifier runs small JSON-mode completions: relationship classification,
// refinement decisions and consolidation merges. Implementations must
// request a JSON object response from the provider.
type Classifier interface {
	CompleteJSON(ctx context.Context, system, prompt string, temperature float64) (string, error)
}

// BatchRequest is one prompt in a provider batch submission.
type BatchRequest struct {
	CustomID  string
	System    string
	Prompt    string
	MaxTokens int
}

// BatchResult is one completed item of a provider batch. Err is non-empty
// when the provider failed that item.
type BatchResult struct {
	CustomID string
	Content  string
	Err      string
}

// BatchStatus is a point-in-time view of a provider batch.
type BatchStatus struct {
	ProviderBatchID string
	State           models.BatchState
	Results         []BatchResult
}

// BatchProvider submits asynchronous LLM batches and reports their
// progress. Results are only populated once State is terminal.
type BatchProvider interface {
	SubmitBatch(ctx context.Context, requests []BatchRequest) (string, error)
	GetBatch(ctx context.Context, providerBatchID string) (*BatchStatus, error)
}
