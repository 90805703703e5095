// Package memory implements the LT-Memory pipeline: per-user long-term
// memories with hybrid vector/lexical retrieval, entity priming, typed
// linking, refinement and asynchronous batch extraction.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/pkg/models"
)

// queryCacheSize bounds the LRU of query embeddings.
const queryCacheSize = 512

// Options wire a Service. Client, Embedder and Classifier are required;
// Reranker, Provider and Metrics are optional.
type Options struct {
	Client     *postgres.Client
	Embedder   Embedder
	Reranker   Reranker
	Classifier Classifier
	Provider   BatchProvider
	Config     config.MemoryConfig
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Service owns the LT-Memory pipeline for all users; per-user scoping comes
// from the ambient user id on every context.
type Service struct {
	store      *Store
	entities   *EntityMatcher
	batches    *BatchStore
	embedder   Embedder
	reranker   Reranker
	classifier Classifier
	provider   BatchProvider
	cfg        config.MemoryConfig
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	cache      *embeddingCache

	// Linker, Refiner, Consolidator and Extraction expose the graph,
	// refinement and batch sub-pipelines.
	Linker       *Linker
	Refiner      *Refiner
	Consolidator *Consolidator
	Extraction   *ExtractionOrchestrator
}

// NewService builds the pipeline and verifies the embedder width against
// the configured dimension.
func NewService(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("memory: postgres client is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("memory: embedder is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("memory: classifier is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("memory: logger is required")
	}
	if opts.Embedder.Dimension() != opts.Config.Dimension {
		return nil, fmt.Errorf("memory: dimension mismatch: config=%d, embedder=%d",
			opts.Config.Dimension, opts.Embedder.Dimension())
	}

	store := NewStore(opts.Client, opts.Config, opts.Logger)
	s := &Service{
		store:      store,
		entities:   NewEntityMatcher(store, opts.Config, opts.Logger),
		batches:    NewBatchStore(opts.Client, opts.Logger, opts.Metrics),
		embedder:   opts.Embedder,
		reranker:   opts.Reranker,
		classifier: opts.Classifier,
		provider:   opts.Provider,
		cfg:        opts.Config,
		logger:     opts.Logger.Component("memory"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		cache:      newEmbeddingCache(queryCacheSize),
	}
	s.Linker = newLinker(s)
	s.Refiner = newRefiner(s)
	s.Consolidator = newConsolidator(s)
	s.Extraction = newExtractionOrchestrator(s)
	return s, nil
}

// Store exposes the SQL layer for callers that need raw access (tools,
// health checks).
func (s *Service) Store() *Store { return s.store }

// Batches exposes the batch bookkeeping store.
func (s *Service) Batches() *BatchStore { return s.batches }

// GenerateEmbedding embeds one text, serving repeats from the LRU cache.
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if vec, ok := s.cache.get(text); ok {
		return vec, nil
	}
	vec, err := s.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	if err := postgres.ValidateDimension(vec); err != nil {
		return nil, err
	}
	s.cache.set(text, vec)
	return vec, nil
}

// GenerateEmbeddingsBatch embeds texts in one provider call.
func (s *Service) GenerateEmbeddingsBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w (item %d)", ErrEmptyText, i)
		}
	}
	vecs, err := s.embedder.GenerateEmbeddingsBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("memory: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("memory: embed batch returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, vec := range vecs {
		if err := postgres.ValidateDimension(vec); err != nil {
			return nil, err
		}
		s.cache.set(texts[i], vec)
	}
	return vecs, nil
}

// StoreMemoriesWithEmbeddings embeds and persists extracted memories under
// the ambient user, returning the new ids in input order.
func (s *Service) StoreMemoriesWithEmbeddings(ctx context.Context, items []models.ExtractedMemory) ([]string, error) {
	return s.storeWithSource(ctx, items, "tool", false)
}

func (s *Service) storeWithSource(ctx context.Context, items []models.ExtractedMemory, source string, refined bool) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Text
	}
	embeddings, err := s.GenerateEmbeddingsBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.InsertExtracted(ctx, items, embeddings, refined)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MemoriesStored.WithLabelValues(source).Add(float64(len(ids)))
	}
	s.logger.WithContext(ctx).Info("memories stored", "count", len(ids), "source", source)
	return ids, nil
}

// ArchiveMemories moves memories out of the live set.
func (s *Service) ArchiveMemories(ctx context.Context, ids []string) error {
	return s.store.ArchiveMemories(ctx, ids)
}

// MemoriesPage returns one newest-first page of the ambient user's live
// memories plus the total count.
func (s *Service) MemoriesPage(ctx context.Context, limit, offset int) ([]*models.Memory, int, error) {
	return s.store.MemoriesPage(ctx, limit, offset)
}

// FindSimilarMemories embeds queryText and searches by cosine similarity.
// An empty query returns an empty result rather than an error.
func (s *Service) FindSimilarMemories(ctx context.Context, queryText string, limit int, simThreshold, minImportance float64) ([]*models.Memory, error) {
	if strings.TrimSpace(queryText) == "" {
		return []*models.Memory{}, nil
	}
	embedding, err := s.GenerateEmbedding(ctx, queryText)
	if err != nil {
		return nil, err
	}
	return s.FindSimilarByEmbedding(ctx, embedding, queryText, limit, simThreshold, minImportance)
}

// FindSimilarByEmbedding searches by a caller-provided embedding, which
// must be exactly the configured width. When queryText is present and a
// reranker is wired, results are reranked.
func (s *Service) FindSimilarByEmbedding(ctx context.Context, embedding []float32, queryText string, limit int, simThreshold, minImportance float64) ([]*models.Memory, error) {
	if err := postgres.ValidateDimension(embedding); err != nil {
		return nil, err
	}
	limit, simThreshold, minImportance = s.searchDefaults(limit, simThreshold, minImportance)

	results, err := s.store.VectorSearch(ctx, embedding, limit, simThreshold, minImportance, "")
	if err != nil {
		return nil, err
	}
	if queryText != "" && s.reranker != nil {
		results = s.RerankMemories(ctx, queryText, results, limit)
	}
	s.touch(ctx, results)
	return results, nil
}

// FindSimilarToMemory finds neighbors of an existing memory, excluding the
// memory itself. An unknown id returns an empty result.
func (s *Service) FindSimilarToMemory(ctx context.Context, memoryID string, limit int, simThreshold, minImportance float64) ([]*models.Memory, error) {
	m, err := s.store.GetMemory(ctx, memoryID)
	if errors.Is(err, ErrMemoryNotFound) {
		return []*models.Memory{}, nil
	}
	if err != nil {
		return nil, err
	}
	limit, simThreshold, minImportance = s.searchDefaults(limit, simThreshold, minImportance)

	results, err := s.store.VectorSearch(ctx, m.Embedding, limit, simThreshold, minImportance, m.ID)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, results)
	return results, nil
}

// UpdateMemoryEmbedding regenerates a memory's embedding from new text.
// Returns ErrMemoryNotFound when the id does not resolve.
func (s *Service) UpdateMemoryEmbedding(ctx context.Context, memoryID, newText string) error {
	embedding, err := s.GenerateEmbedding(ctx, newText)
	if err != nil {
		return err
	}
	return s.store.UpdateTextAndEmbedding(ctx, memoryID, newText, embedding)
}

// RerankMemories reorders memories by reranker relevance to the query. It
// fails soft: any reranker problem returns the input order truncated to
// topK.
func (s *Service) RerankMemories(ctx context.Context, query string, memories []*models.Memory, topK int) []*models.Memory {
	if topK <= 0 || topK > len(memories) {
		topK = len(memories)
	}
	if len(memories) == 0 || s.reranker == nil {
		return memories[:topK]
	}

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Text
	}
	indices, err := s.reranker.Rerank(ctx, query, texts, topK)
	if err != nil {
		s.logger.WithContext(ctx).Warn("rerank failed, keeping input order", "error", err)
		return memories[:topK]
	}

	out := make([]*models.Memory, 0, topK)
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(memories) || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, memories[idx])
		if len(out) == topK {
			break
		}
	}
	if len(out) == 0 {
		return memories[:topK]
	}
	return out
}

func (s *Service) searchDefaults(limit int, simThreshold, minImportance float64) (int, float64, float64) {
	if limit <= 0 {
		limit = 10
	}
	if simThreshold <= 0 {
		simThreshold = s.cfg.SimilarityThreshold
	}
	if minImportance <= 0 {
		minImportance = s.cfg.MinImportance
	}
	return limit, simThreshold, minImportance
}

// touch bumps access counters without failing the read path.
func (s *Service) touch(ctx context.Context, memories []*models.Memory) {
	if len(memories) == 0 {
		return
	}
	if err := s.store.TouchAccess(ctx, memoryIDs(memories)); err != nil {
		s.logger.WithContext(ctx).Warn("access touch failed", "error", err)
	}
}

// normalizeQuery canonicalizes query text for the lexical leg and entity
// matching: NFC so accented input compares consistently.
func normalizeQuery(q string) string {
	return norm.NFC.String(strings.TrimSpace(q))
}
