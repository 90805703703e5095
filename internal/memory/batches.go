package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/pkg/models"
)

const (
	lockExtractionStateSQL = `SELECT state FROM extraction_batches WHERE id = $1 FOR UPDATE`
	lockPostStateSQL       = `SELECT state FROM postprocessing_batches WHERE id = $1 FOR UPDATE`

	setExtractionStateSQL = `UPDATE extraction_batches SET state = $1, error = $2, completed_at = $3 WHERE id = $4`
	setPostStateSQL       = `UPDATE postprocessing_batches SET state = $1, error = $2, completed_at = $3 WHERE id = $4`

	bumpPostCountersSQL = `UPDATE postprocessing_batches SET items_completed = items_completed + $1, items_failed = items_failed + $2, links_created = links_created + $3, conflicts_flagged = conflicts_flagged + $4 WHERE id = $5`
)

// openStates are the non-terminal batch states the pollers scan for.
var openStates = []string{string(models.BatchSubmitted), string(models.BatchProcessing)}

// BatchStore is the bookkeeping layer for extraction and post-processing
// batches. Every state change goes through the batch state machine;
// replaying the current state is a no-op so poller retries stay idempotent.
type BatchStore struct {
	client  *postgres.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewBatchStore wraps a mira_memory client.
func NewBatchStore(client *postgres.Client, logger *observability.Logger, metrics *observability.Metrics) *BatchStore {
	return &BatchStore{
		client:  client,
		logger:  logger.Component("memory.batches"),
		metrics: metrics,
	}
}

// CreateExtraction records a submitted extraction batch and returns its id.
func (b *BatchStore) CreateExtraction(ctx context.Context, batch *models.ExtractionBatch) (string, error) {
	id, err := b.client.JSONInsert(ctx, "extraction_batches", map[string]any{
		"segment_id":        batch.SegmentID,
		"provider_batch_id": batch.ProviderBatchID,
		"state":             string(models.BatchSubmitted),
		"chunk_count":       batch.ChunkCount,
	})
	if err != nil {
		return "", err
	}
	b.recordTransition("extraction", models.BatchSubmitted)
	return id, nil
}

// GetExtraction loads one extraction batch.
func (b *BatchStore) GetExtraction(ctx context.Context, id string) (*models.ExtractionBatch, error) {
	row, err := b.client.QueryRow(ctx, `SELECT * FROM extraction_batches WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: extraction %s", ErrBatchNotFound, id)
	}
	return rowToExtractionBatch(row), nil
}

// ListOpenExtractions returns extraction batches still awaiting results,
// oldest first. Maintenance scans run without an ambient user and see all
// rows.
func (b *BatchStore) ListOpenExtractions(ctx context.Context) ([]*models.ExtractionBatch, error) {
	rows, err := b.client.JSONSelect(ctx, "extraction_batches",
		map[string]any{"state": openStates}, "submitted_at ASC", 0)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ExtractionBatch, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToExtractionBatch(row))
	}
	return out, nil
}

// TransitionExtraction moves an extraction batch to next. Re-applying the
// current state is a no-op; an illegal move returns InvalidTransitionError.
func (b *BatchStore) TransitionExtraction(ctx context.Context, id string, next models.BatchState, errMsg string) error {
	return b.transition(ctx, "extraction", id, next, errMsg, lockExtractionStateSQL, setExtractionStateSQL)
}

// CreatePostProcessing records a submitted post-processing batch.
func (b *BatchStore) CreatePostProcessing(ctx context.Context, batch *models.PostProcessingBatch) (string, error) {
	payload := batch.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	id, err := b.client.JSONInsert(ctx, "postprocessing_batches", map[string]any{
		"kind":              string(batch.Kind),
		"provider_batch_id": batch.ProviderBatchID,
		"state":             string(models.BatchSubmitted),
		"items_submitted":   batch.ItemsSubmitted,
		"payload":           payload,
	})
	if err != nil {
		return "", err
	}
	b.recordTransition(string(batch.Kind), models.BatchSubmitted)
	return id, nil
}

// GetPostProcessing loads one post-processing batch.
func (b *BatchStore) GetPostProcessing(ctx context.Context, id string) (*models.PostProcessingBatch, error) {
	row, err := b.client.QueryRow(ctx, `SELECT * FROM postprocessing_batches WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: postprocessing %s", ErrBatchNotFound, id)
	}
	return rowToPostBatch(row), nil
}

// ListOpenPostProcessing returns post-processing batches still awaiting
// results, oldest first.
func (b *BatchStore) ListOpenPostProcessing(ctx context.Context) ([]*models.PostProcessingBatch, error) {
	rows, err := b.client.JSONSelect(ctx, "postprocessing_batches",
		map[string]any{"state": openStates}, "submitted_at ASC", 0)
	if err != nil {
		return nil, err
	}
	out := make([]*models.PostProcessingBatch, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToPostBatch(row))
	}
	return out, nil
}

// TransitionPostProcessing moves a post-processing batch to next under the
// same state machine rules as extraction.
func (b *BatchStore) TransitionPostProcessing(ctx context.Context, id string, next models.BatchState, errMsg string) error {
	return b.transition(ctx, "postprocessing", id, next, errMsg, lockPostStateSQL, setPostStateSQL)
}

// BumpPostCounters accumulates outcome counters on a post-processing batch.
func (b *BatchStore) BumpPostCounters(ctx context.Context, id string, completed, failed, linksCreated, conflictsFlagged int) error {
	if completed == 0 && failed == 0 && linksCreated == 0 && conflictsFlagged == 0 {
		return nil
	}
	res, err := b.client.Exec(ctx, bumpPostCountersSQL, completed, failed, linksCreated, conflictsFlagged, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: postprocessing %s", ErrBatchNotFound, id)
	}
	return nil
}

func (b *BatchStore) transition(ctx context.Context, kind, id string, next models.BatchState, errMsg, lockSQL, setSQL string) error {
	var applied bool
	err := b.client.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, lockSQL, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s %s", ErrBatchNotFound, kind, id)
		}
		if err != nil {
			return fmt.Errorf("memory: lock %s batch %s: %w", kind, id, err)
		}

		state := models.BatchState(current)
		if state == next {
			return nil
		}
		if !state.CanTransition(next) {
			return &InvalidTransitionError{BatchID: id, From: state, To: next}
		}

		var completedAt any
		if next.Terminal() {
			completedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, setSQL, string(next), errMsg, completedAt, id); err != nil {
			return fmt.Errorf("memory: transition %s batch %s: %w", kind, id, err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		b.recordTransition(kind, next)
		b.logger.WithContext(ctx).Info("batch transition", "kind", kind, "batch_id", id, "state", string(next))
	}
	return nil
}

func (b *BatchStore) recordTransition(kind string, state models.BatchState) {
	if b.metrics != nil {
		b.metrics.BatchTransitions.WithLabelValues(kind, string(state)).Inc()
	}
}

func rowToExtractionBatch(row map[string]any) *models.ExtractionBatch {
	return &models.ExtractionBatch{
		ID:              asString(row["id"]),
		UserID:          asString(row["user_id"]),
		SegmentID:       asString(row["segment_id"]),
		ProviderBatchID: asString(row["provider_batch_id"]),
		State:           models.BatchState(asString(row["state"])),
		ChunkCount:      toInt(row["chunk_count"]),
		SubmittedAt:     toTime(row["submitted_at"]),
		CompletedAt:     toTimePtr(row["completed_at"]),
		Error:           asString(row["error"]),
	}
}

func rowToPostBatch(row map[string]any) *models.PostProcessingBatch {
	batch := &models.PostProcessingBatch{
		ID:               asString(row["id"]),
		UserID:           asString(row["user_id"]),
		Kind:             models.PostProcessingKind(asString(row["kind"])),
		ProviderBatchID:  asString(row["provider_batch_id"]),
		State:            models.BatchState(asString(row["state"])),
		ItemsSubmitted:   toInt(row["items_submitted"]),
		ItemsCompleted:   toInt(row["items_completed"]),
		ItemsFailed:      toInt(row["items_failed"]),
		LinksCreated:     toInt(row["links_created"]),
		ConflictsFlagged: toInt(row["conflicts_flagged"]),
		SubmittedAt:      toTime(row["submitted_at"]),
		CompletedAt:      toTimePtr(row["completed_at"]),
		Error:            asString(row["error"]),
	}
	if payload, ok := row["payload"].(map[string]any); ok {
		batch.Payload = payload
	}
	return batch
}

// decodePayload re-decodes a JSONB payload into a typed destination.
func decodePayload(payload map[string]any, dest any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memory: encode payload: %w", err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("memory: decode payload: %w", err)
	}
	return nil
}
