package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/valkey"
)

// workingMemoryPrefix keys the per-continuum scratch hash. The identifier
// after the prefix is "<user_id>:<continuum_id>".
const workingMemoryPrefix = "working_memory"

const (
	fieldSegmentID = "segment_id"
	fieldToolsUsed = "tools_used"
	fieldUpdatedAt = "updated_at"
)

// CacheClient is the slice of the Valkey client working memory uses.
type CacheClient interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]any) error
	SetTTLWithWarning(ctx context.Context, mainKey string, ttl time.Duration) error
	RegisterTTLHandler(prefix string, fn valkey.TTLHandler, description string)
}

// SentinelToolWriter persists tool usage onto the segment sentinel.
// *continuum.Store satisfies this.
type SentinelToolWriter interface {
	RecordSentinelTools(ctx context.Context, continuumID, segmentID string, tools []string) error
}

// WorkingMemory tracks which tools ran during the active segment in a
// short-lived Valkey hash. Shortly before the hash expires, the TTL warning
// flushes the tool list onto the segment's sentinel so the eventual synopsis
// can report it.
type WorkingMemory struct {
	cache  CacheClient
	writer SentinelToolWriter
	ttl    time.Duration
	logger *observability.Logger
	now    func() time.Time
}

// NewWorkingMemory builds the tracker. A non-positive ttl falls back to 30
// minutes.
func NewWorkingMemory(cache CacheClient, writer SentinelToolWriter, ttl time.Duration, logger *observability.Logger) *WorkingMemory {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &WorkingMemory{
		cache:  cache,
		writer: writer,
		ttl:    ttl,
		logger: logger.Component("orchestrator.workingmemory"),
		now:    time.Now,
	}
}

// Register installs the TTL-warning handler. Call once at startup, before
// the expiry listener starts.
func (w *WorkingMemory) Register() {
	w.cache.RegisterTTLHandler(workingMemoryPrefix, w.persist, "persist working-memory tool usage")
}

func workingMemoryKey(userID, continuumID string) string {
	return fmt.Sprintf("%s:%s:%s", workingMemoryPrefix, userID, continuumID)
}

// RecordTools merges the turn's tool usage into the hash and re-arms the
// expiry. Tools already present keep their first-seen position.
func (w *WorkingMemory) RecordTools(ctx context.Context, userID, continuumID, segmentID string, tools []string) error {
	key := workingMemoryKey(userID, continuumID)

	var existing []string
	if fields, err := w.cache.HGetAll(ctx, key); err == nil {
		existing = decodeTools(fields[fieldToolsUsed])
	}
	merged := mergeTools(existing, tools)

	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	if err := w.cache.HSet(ctx, key, map[string]any{
		fieldSegmentID: segmentID,
		fieldToolsUsed: string(payload),
		fieldUpdatedAt: w.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("write working memory: %w", err)
	}
	return w.cache.SetTTLWithWarning(ctx, key, w.ttl)
}

// Tools returns the tools recorded for the continuum's active segment.
func (w *WorkingMemory) Tools(ctx context.Context, userID, continuumID string) ([]string, error) {
	fields, err := w.cache.HGetAll(ctx, workingMemoryKey(userID, continuumID))
	if err != nil {
		return nil, err
	}
	return decodeTools(fields[fieldToolsUsed]), nil
}

// persist is the TTL-warning handler. It runs without a request, so it
// re-enters the user's context itself. Warnings can fire more than once for
// one key; the sentinel update is a no-op when nothing changed.
func (w *WorkingMemory) persist(ctx context.Context, mainKey, identifier string) {
	userID, continuumID, ok := strings.Cut(identifier, ":")
	if !ok || userID == "" || continuumID == "" {
		w.logger.Warn("malformed working-memory identifier", "identifier", identifier)
		return
	}
	ctx = observability.AddUserID(ctx, userID)
	ctx = observability.AddContinuumID(ctx, continuumID)
	log := w.logger.WithContext(ctx)

	fields, err := w.cache.HGetAll(ctx, mainKey)
	if err != nil {
		log.Error("read expiring working memory", "error", err)
		return
	}
	tools := decodeTools(fields[fieldToolsUsed])
	segmentID := fields[fieldSegmentID]
	if len(tools) == 0 || segmentID == "" {
		return
	}

	if err := w.writer.RecordSentinelTools(ctx, continuumID, segmentID, tools); err != nil {
		log.Error("persist working-memory tools", "error", err)
		return
	}
	log.Debug("working-memory tools persisted",
		"segment_id", segmentID, "tools", len(tools))
}

func decodeTools(raw string) []string {
	if raw == "" {
		return nil
	}
	var tools []string
	if err := json.Unmarshal([]byte(raw), &tools); err != nil {
		return nil
	}
	return tools
}

func mergeTools(existing, incoming []string) []string {
	merged := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]bool, len(existing)+len(incoming))
	for _, lists := range [][]string{existing, incoming} {
		for _, t := range lists {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			merged = append(merged, t)
		}
	}
	return merged
}
