package memory

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/pkg/models"
)

// SearchParams drive one hybrid search. Zero values take configured
// defaults; Intent defaults to general.
type SearchParams struct {
	QueryText           string
	QueryEmbedding      []float32
	Intent              models.SearchIntent
	Limit               int
	SimilarityThreshold float64
	MinImportance       float64
}

// HybridSearch runs both retrieval legs, fuses them with reciprocal rank
// fusion, normalizes scores and applies entity priming.
//
// The legs oversample by the configured factor so fusion has enough
// candidates to reorder; the fused list is cut back to Limit at the end.
func (s *Service) HybridSearch(ctx context.Context, p SearchParams) ([]*models.Memory, error) {
	start := time.Now()

	if p.Intent == "" {
		p.Intent = models.IntentGeneral
	}
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.TraceSearch(ctx, string(p.Intent))
		defer span.End()
	}
	p.Limit, p.SimilarityThreshold, p.MinImportance = s.searchDefaults(p.Limit, p.SimilarityThreshold, p.MinImportance)

	queryText := normalizeQuery(p.QueryText)
	if queryText == "" && len(p.QueryEmbedding) == 0 {
		return []*models.Memory{}, nil
	}

	embedding := p.QueryEmbedding
	if len(embedding) == 0 {
		var err error
		embedding, err = s.GenerateEmbedding(ctx, queryText)
		if err != nil {
			return nil, err
		}
	}
	if err := postgres.ValidateDimension(embedding); err != nil {
		return nil, err
	}

	oversampled := p.Limit * s.cfg.Oversample

	lexical, err := s.store.LexicalSearch(ctx, queryText, oversampled, p.MinImportance)
	if err != nil {
		return nil, err
	}
	vector, err := s.store.VectorSearch(ctx, embedding, oversampled, p.SimilarityThreshold, p.MinImportance, "")
	if err != nil {
		return nil, err
	}

	fused := fuseResults(lexical, vector, p.Intent, s.cfg.RRFK)

	if queryText != "" {
		matched, err := s.entities.MatchQueryEntities(ctx, queryText)
		if err != nil {
			// Priming is an enhancement; the fused results stand alone.
			s.logger.WithContext(ctx).Warn("entity priming skipped", "error", err)
		} else if len(matched) > 0 {
			applyEntityBoost(fused, matched, s.cfg)
			sortByScore(fused)
		}
	}

	if len(fused) > p.Limit {
		fused = fused[:p.Limit]
	}
	s.touch(ctx, fused)

	if s.metrics != nil {
		s.metrics.HybridSearches.WithLabelValues(string(p.Intent)).Inc()
		s.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.WithContext(ctx).Debug("hybrid search",
		"intent", string(p.Intent),
		"lexical", len(lexical),
		"vector", len(vector),
		"returned", len(fused),
		"query_len", len(strings.TrimSpace(p.QueryText)),
	)
	return fused, nil
}
