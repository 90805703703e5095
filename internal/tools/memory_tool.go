package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// memoryToolLimit is the default and maximum number of search hits returned
// to the model.
const memoryToolLimit = 10

type memoryArgs struct {
	Action string `json:"action" jsonschema:"enum=search,enum=store,description=search long-term memory or store a new fact"`

	Query  string `json:"query,omitempty" jsonschema:"description=What to search for (action=search)"`
	Intent string `json:"search_intent,omitempty" jsonschema:"enum=general,enum=recall,enum=explore,enum=exact,description=Retrieval intent (action=search)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum results 1-10 (action=search)"`

	Text       string  `json:"text,omitempty" jsonschema:"description=The fact to remember in one or two sentences (action=store)"`
	Importance float64 `json:"importance_score,omitempty" jsonschema:"description=Importance 0-1 (action=store)"`
}

// MemoryTool lets the model search and extend LT-Memory mid-conversation.
type MemoryTool struct {
	svc    *memory.Service
	logger *observability.Logger
}

// NewMemoryTool builds the memory tool over the LT-Memory service.
func NewMemoryTool(svc *memory.Service, logger *observability.Logger) *MemoryTool {
	return &MemoryTool{svc: svc, logger: logger.Component("tools.memory")}
}

func (t *MemoryTool) Name() string { return "memory_tool" }

func (t *MemoryTool) Description() string {
	return "Search the user's long-term memory, or store a new durable fact about them. " +
		"Search before answering questions about the user's history, preferences or commitments."
}

func (t *MemoryTool) InputSchema() json.RawMessage { return mustSchema(&memoryArgs{}) }

func (t *MemoryTool) Available(ctx context.Context, userID string) bool {
	return t.svc != nil && userID != ""
}

func (t *MemoryTool) Run(ctx context.Context, args map[string]any) (string, error) {
	var input memoryArgs
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}

	switch input.Action {
	case "search":
		return t.search(ctx, input)
	case "store":
		return t.store(ctx, input)
	default:
		return "", fmt.Errorf("memory_tool: unsupported action %q", input.Action)
	}
}

func (t *MemoryTool) search(ctx context.Context, input memoryArgs) (string, error) {
	if strings.TrimSpace(input.Query) == "" {
		return "", fmt.Errorf("memory_tool: search requires a query")
	}
	limit := input.Limit
	if limit <= 0 || limit > memoryToolLimit {
		limit = memoryToolLimit
	}

	memories, err := t.svc.HybridSearch(ctx, memory.SearchParams{
		QueryText: input.Query,
		Intent:    models.SearchIntent(input.Intent),
		Limit:     limit,
	})
	if err != nil {
		return "", fmt.Errorf("memory_tool: search: %w", err)
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
	return jsonResult(map[string]any{"memories": hits, "count": len(hits)})
}

func (t *MemoryTool) store(ctx context.Context, input memoryArgs) (string, error) {
	if strings.TrimSpace(input.Text) == "" {
		return "", fmt.Errorf("memory_tool: store requires text")
	}
	importance := input.Importance
	if importance <= 0 {
		importance = 0.5
	}
	if importance > 1 {
		importance = 1
	}

	// Tool-sourced memories carry full confidence: the model stored them
	// deliberately rather than extracting them from loose conversation.
	ids, err := t.svc.StoreMemoriesWithEmbeddings(ctx, []models.ExtractedMemory{{
		Text:            strings.TrimSpace(input.Text),
		ImportanceScore: importance,
		Confidence:      1,
	}})
	if err != nil {
		return "", fmt.Errorf("memory_tool: store: %w", err)
	}
	t.logger.WithContext(ctx).Info("memory stored via tool", "memory_id", ids[0])
	return jsonResult(map[string]any{"stored": ids[0]})
}
