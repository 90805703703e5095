package api

import (
	"context"
	"fmt"

	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/pkg/models"
)

const memorySearchLimit = 50

func (a *Actions) memoryAction(ctx context.Context, action string, data map[string]any) (any, error) {
	switch action {
	case "store":
		return a.memoryStore(ctx, data)
	case "search":
		return a.memorySearch(ctx, data)
	case "archive":
		return a.memoryArchive(ctx, data)
	default:
		return nil, unknownAction("memory", action)
	}
}

func (a *Actions) memoryStore(ctx context.Context, data map[string]any) (any, error) {
	text, err := stringField(data, "text")
	if err != nil {
		return nil, err
	}
	importance, err := optionalFloat(data, "importance_score", 0.5)
	if err != nil {
		return nil, err
	}
	if importance <= 0 {
		importance = 0.5
	}
	if importance > 1 {
		importance = 1
	}
	expiresAt, err := optionalTime(data, "expires_at")
	if err != nil {
		return nil, err
	}
	happensAt, err := optionalTime(data, "happens_at")
	if err != nil {
		return nil, err
	}

	item := models.ExtractedMemory{
		Text:            text,
		ImportanceScore: importance,
		// Deliberately stored facts are not hedged.
		Confidence: 1,
		ExpiresAt:  expiresAt,
		HappensAt:  happensAt,
	}
	ids, err := a.memory.StoreMemoriesWithEmbeddings(ctx, []models.ExtractedMemory{item})
	if err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("store memory: no id returned")
	}
	return map[string]any{"id": ids[0]}, nil
}

func (a *Actions) memorySearch(ctx context.Context, data map[string]any) (any, error) {
	query, err := stringField(data, "query")
	if err != nil {
		return nil, err
	}
	intent, err := optionalString(data, "intent")
	if err != nil {
		return nil, err
	}
	switch models.SearchIntent(intent) {
	case "", models.IntentGeneral, models.IntentRecall, models.IntentExplore, models.IntentExact:
	default:
		return nil, invalidField("intent", "must be one of general, recall, explore, exact")
	}
	limit, err := optionalInt(data, "limit", 10)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > memorySearchLimit {
		limit = memorySearchLimit
	}

	memories, err := a.memory.HybridSearch(ctx, memory.SearchParams{
		QueryText: query,
		Intent:    models.SearchIntent(intent),
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	type hit struct {
		ID         string  `json:"id"`
		Text       string  `json:"text"`
		Score      float64 `json:"score"`
		Importance float64 `json:"importance_score"`
	}
	hits := make([]hit, 0, len(memories))
	for _, m := range memories {
		hits = append(hits, hit{ID: m.ID, Text: m.Text, Score: m.SimilarityScore, Importance: m.ImportanceScore})
	}
	return map[string]any{"memories": hits, "count": len(hits)}, nil
}

func (a *Actions) memoryArchive(ctx context.Context, data map[string]any) (any, error) {
	ids, err := stringsField(data, "ids")
	if err != nil {
		return nil, err
	}
	if err := a.memory.ArchiveMemories(ctx, ids); err != nil {
		return nil, fmt.Errorf("archive memories: %w", err)
	}
	return map[string]any{"archived": true, "count": len(ids)}, nil
}
