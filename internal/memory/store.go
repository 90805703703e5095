package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/pkg/models"
)

const (
	getMemorySQL     = `SELECT * FROM memories WHERE id = $1`
	memoriesByIDsSQL = `SELECT * FROM memories WHERE id = ANY($1::uuid[])`

	insertMemorySQL = `INSERT INTO memories (user_id, text, embedding, importance_score, confidence, expires_at, happens_at, entity_links, is_refined, last_refined_at) VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8::jsonb, $9, $10) RETURNING id`

	upsertEntitySQL = `INSERT INTO entities (user_id, name, entity_type, link_count, last_linked_at) VALUES ($1, $2, $3, 1, now()) ON CONFLICT (user_id, name, entity_type) DO UPDATE SET link_count = entities.link_count + 1, last_linked_at = now() RETURNING id`

	vectorSearchSQL = `SELECT *, 1 - (embedding <=> $1::vector) AS similarity_score FROM memories WHERE NOT is_archived AND (expires_at IS NULL OR expires_at > now()) AND importance_score >= $2 AND 1 - (embedding <=> $1::vector) >= $3 ORDER BY embedding <=> $1::vector LIMIT $4`

	vectorSearchExcludeSQL = `SELECT *, 1 - (embedding <=> $1::vector) AS similarity_score FROM memories WHERE NOT is_archived AND (expires_at IS NULL OR expires_at > now()) AND importance_score >= $2 AND 1 - (embedding <=> $1::vector) >= $3 AND id <> $5 ORDER BY embedding <=> $1::vector LIMIT $4`

	lexicalSearchSQL = `SELECT *, ts_rank_cd(search_vector, plainto_tsquery('english', $1)) AS lexical_score FROM memories WHERE NOT is_archived AND (expires_at IS NULL OR expires_at > now()) AND importance_score >= $2 AND search_vector @@ plainto_tsquery('english', $1) ORDER BY lexical_score DESC, updated_at DESC LIMIT $3`

	updateTextEmbeddingSQL = `UPDATE memories SET text = $1, embedding = $2::vector, updated_at = now() WHERE id = $3`

	touchAccessSQL = `UPDATE memories SET access_count = access_count + 1, last_accessed = now() WHERE id = ANY($1::uuid[])`

	archiveMemoriesSQL = `UPDATE memories SET is_archived = TRUE, archived_at = now(), updated_at = now() WHERE id = ANY($1::uuid[]) AND NOT is_archived`

	listMemoriesSQL = `SELECT * FROM memories WHERE NOT is_archived ORDER BY updated_at DESC LIMIT $1 OFFSET $2`

	countMemoriesSQL = `SELECT count(*) AS total FROM memories WHERE NOT is_archived`

	replaceLinksSQL = `UPDATE memories SET inbound_links = $1::jsonb, outbound_links = $2::jsonb, updated_at = now() WHERE id = $3`

	setEntityLinksSQL = `UPDATE memories SET entity_links = $1::jsonb, updated_at = now() WHERE id = $2`

	rejectRefinementSQL = `UPDATE memories SET refinement_rejection_count = refinement_rejection_count + 1, last_refined_at = now(), updated_at = now() WHERE id = $1`

	verboseCandidatesSQL = `SELECT * FROM memories WHERE NOT is_archived AND importance_score >= $1 AND length(text) >= $2 AND access_count >= $3 AND created_at <= $4 AND (last_refined_at IS NULL OR last_refined_at <= $5) AND refinement_rejection_count < $6 ORDER BY length(text) DESC LIMIT $7`

	hubCandidatesSQL = `SELECT * FROM memories WHERE NOT is_archived AND (expires_at IS NULL OR expires_at > now()) AND importance_score >= $1 AND ((importance_score >= $2 AND access_count >= $3) OR jsonb_array_length(inbound_links) + jsonb_array_length(outbound_links) >= $4) ORDER BY importance_score DESC, access_count DESC LIMIT $5`

	contextSnapshotSQL = `SELECT id, text, importance_score FROM memories WHERE NOT is_archived AND (expires_at IS NULL OR expires_at > now()) AND importance_score >= $1 ORDER BY importance_score DESC, updated_at DESC LIMIT $2`

	exactEntitiesSQL = `SELECT * FROM entities WHERE NOT is_archived AND lower(name) = ANY($1) ORDER BY link_count DESC`

	topEntitiesSQL = `SELECT * FROM entities WHERE NOT is_archived ORDER BY link_count DESC, name ASC LIMIT $1`
)

// Store is the SQL layer for memories and entities on the mira_memory
// database. Row-level security scopes every query to the ambient user; the
// store only adds the domain filters.
type Store struct {
	client *postgres.Client
	cfg    config.MemoryConfig
	logger *observability.Logger
}

// NewStore wraps a mira_memory client.
func NewStore(client *postgres.Client, cfg config.MemoryConfig, logger *observability.Logger) *Store {
	return &Store{
		client: client,
		cfg:    cfg,
		logger: logger.Component("memory.store"),
	}
}

// GetMemory loads one memory by id. Returns ErrMemoryNotFound when the id
// does not resolve for the ambient user.
func (s *Store) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	row, err := s.client.QueryRow(ctx, getMemorySQL, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return rowToMemory(row), nil
}

// GetMemoriesByIDs loads the memories that still exist among ids. Missing
// ids are simply absent from the result; callers that care perform
// heal-on-read.
func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string) ([]*models.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.client.Query(ctx, memoriesByIDsSQL, ids)
	if err != nil {
		return nil, err
	}
	return rowsToMemories(rows), nil
}

// InsertExtracted persists extracted memories with their embeddings in one
// transaction, upserting any referenced entities and recording the entity
// links on each new row. Returned ids are in input order.
func (s *Store) InsertExtracted(ctx context.Context, items []models.ExtractedMemory, embeddings [][]float32, refined bool) ([]string, error) {
	if len(items) != len(embeddings) {
		return nil, fmt.Errorf("memory: %d items but %d embeddings", len(items), len(embeddings))
	}
	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		if strings.TrimSpace(item.Text) == "" {
			return nil, fmt.Errorf("%w (item %d)", ErrEmptyText, i)
		}
		if err := postgres.ValidateDimension(embeddings[i]); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(items))
	err = s.client.WithTx(ctx, func(tx *sql.Tx) error {
		for i, item := range items {
			entityLinks, err := upsertEntitiesTx(ctx, tx, userID, item.Entities, item.Confidence)
			if err != nil {
				return err
			}
			linksJSON, err := json.Marshal(entityLinks)
			if err != nil {
				return fmt.Errorf("memory: encode entity links: %w", err)
			}

			var refinedAt any
			if refined {
				refinedAt = time.Now().UTC()
			}
			var id string
			err = tx.QueryRowContext(ctx, insertMemorySQL,
				userID,
				item.Text,
				postgres.EncodeVector(embeddings[i]),
				clampUnit(item.ImportanceScore),
				defaultConfidence(item.Confidence),
				nullableTime(item.ExpiresAt),
				nullableTime(item.HappensAt),
				string(linksJSON),
				refined,
				refinedAt,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("memory: insert: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func upsertEntitiesTx(ctx context.Context, tx *sql.Tx, userID string, entities []models.ExtractedEntity, confidence float64) ([]models.EntityLink, error) {
	if len(entities) == 0 {
		return []models.EntityLink{}, nil
	}
	links := make([]models.EntityLink, 0, len(entities))
	seen := make(map[string]bool, len(entities))
	for _, ent := range entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		typ := ent.Type
		if typ == "" {
			typ = models.EntityOther
		}
		key := strings.ToLower(name) + "/" + string(typ)
		if seen[key] {
			continue
		}
		seen[key] = true

		var id string
		if err := tx.QueryRowContext(ctx, upsertEntitySQL, userID, name, string(typ)).Scan(&id); err != nil {
			return nil, fmt.Errorf("memory: upsert entity %q: %w", name, err)
		}
		links = append(links, models.EntityLink{UUID: id, Confidence: defaultConfidence(confidence)})
	}
	return links, nil
}

// VectorSearch runs the cosine-similarity leg. excludeID, when non-empty,
// drops that row from the results (used by find_similar_to_memory).
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, limit int, simThreshold, minImportance float64, excludeID string) ([]*models.Memory, error) {
	if err := postgres.ValidateDimension(embedding); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	vec := postgres.EncodeVector(embedding)
	var (
		rows []map[string]any
		err  error
	)
	if excludeID == "" {
		rows, err = s.client.Query(ctx, vectorSearchSQL, vec, minImportance, simThreshold, limit)
	} else {
		rows, err = s.client.Query(ctx, vectorSearchExcludeSQL, vec, minImportance, simThreshold, limit, excludeID)
	}
	if err != nil {
		return nil, err
	}
	return rowsToMemories(rows), nil
}

// LexicalSearch runs the BM25 leg over the generated tsvector column.
func (s *Store) LexicalSearch(ctx context.Context, queryText string, limit int, minImportance float64) ([]*models.Memory, error) {
	if strings.TrimSpace(queryText) == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.client.Query(ctx, lexicalSearchSQL, queryText, minImportance, limit)
	if err != nil {
		return nil, err
	}
	out := rowsToMemories(rows)
	for i, row := range rows {
		if i < len(out) {
			out[i].RawScore = toFloat(row["lexical_score"])
		}
	}
	return out, nil
}

// UpdateTextAndEmbedding replaces a memory's text and embedding. Returns
// ErrMemoryNotFound when the id does not resolve.
func (s *Store) UpdateTextAndEmbedding(ctx context.Context, id, text string, embedding []float32) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if err := postgres.ValidateDimension(embedding); err != nil {
		return err
	}
	res, err := s.client.Exec(ctx, updateTextEmbeddingSQL, text, postgres.EncodeVector(embedding), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return nil
}

// TouchAccess bumps access counters for retrieved memories. Failures are
// returned but callers treat them as non-fatal.
func (s *Store) TouchAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.Exec(ctx, touchAccessSQL, ids)
	return err
}

// ArchiveMemories moves memories out of the live set. Already-archived ids
// are left untouched.
func (s *Store) ArchiveMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.Exec(ctx, archiveMemoriesSQL, ids)
	return err
}

// MemoriesPage returns one newest-first page of the live set plus the total
// count, for the read API.
func (s *Store) MemoriesPage(ctx context.Context, limit, offset int) ([]*models.Memory, int, error) {
	rows, err := s.client.Query(ctx, listMemoriesSQL, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	countRow, err := s.client.QueryRow(ctx, countMemoriesSQL)
	if err != nil {
		return nil, 0, err
	}
	total := 0
	if countRow != nil {
		total = toInt(countRow["total"])
	}
	return rowsToMemories(rows), total, nil
}

// ReplaceLinks overwrites both link arrays on one memory. Used by traversal
// heal-on-read and bidirectional link creation.
func (s *Store) ReplaceLinks(ctx context.Context, id string, inbound, outbound []models.MemoryLink) error {
	inJSON, err := json.Marshal(emptyIfNil(inbound))
	if err != nil {
		return fmt.Errorf("memory: encode inbound links: %w", err)
	}
	outJSON, err := json.Marshal(emptyIfNil(outbound))
	if err != nil {
		return fmt.Errorf("memory: encode outbound links: %w", err)
	}
	res, err := s.client.Exec(ctx, replaceLinksSQL, string(inJSON), string(outJSON), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return nil
}

// SetEntityLinks overwrites the entity link array on one memory.
func (s *Store) SetEntityLinks(ctx context.Context, id string, links []models.EntityLink) error {
	if links == nil {
		links = []models.EntityLink{}
	}
	encoded, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("memory: encode entity links: %w", err)
	}
	res, err := s.client.Exec(ctx, setEntityLinksSQL, string(encoded), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return nil
}

// IncrementRejection records a refinement do_nothing decision, which also
// restarts the cooldown clock.
func (s *Store) IncrementRejection(ctx context.Context, id string) error {
	res, err := s.client.Exec(ctx, rejectRefinementSQL, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return nil
}

// VerboseCandidates lists memories eligible for verbose trimming, longest
// first.
func (s *Store) VerboseCandidates(ctx context.Context, now time.Time, limit int) ([]*models.Memory, error) {
	ageCutoff := now.AddDate(0, 0, -s.cfg.MinAgeDaysForRefine)
	cooldownCutoff := now.AddDate(0, 0, -s.cfg.RefinementCooldownDays)
	rows, err := s.client.Query(ctx, verboseCandidatesSQL,
		s.cfg.ColdStorageFloor,
		s.cfg.VerboseThresholdChars,
		s.cfg.MinAccessForRefinement,
		ageCutoff,
		cooldownCutoff,
		s.cfg.MaxRejectionCount,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return rowsToMemories(rows), nil
}

// HubCandidates lists memories that anchor consolidation clusters: high
// importance with real access traffic, or heavily linked to other memories.
func (s *Store) HubCandidates(ctx context.Context, hubImportance float64, hubMinAccess, hubMinLinks, limit int) ([]*models.Memory, error) {
	rows, err := s.client.Query(ctx, hubCandidatesSQL,
		s.cfg.MinImportance,
		hubImportance,
		hubMinAccess,
		hubMinLinks,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return rowsToMemories(rows), nil
}

// MemoryContextSnapshot renders the user's strongest memories as a bulleted
// block for extraction prompts, so the extractor can reference existing
// memory ids.
func (s *Store) MemoryContextSnapshot(ctx context.Context, limit int) (string, error) {
	rows, err := s.client.Query(ctx, contextSnapshotSQL, s.cfg.MinImportance, limit)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "- [%s] %s\n", asString(row["id"]), asString(row["text"]))
	}
	return b.String(), nil
}

// ExactEntities finds non-archived entities whose lowercased name matches
// any of names exactly.
func (s *Store) ExactEntities(ctx context.Context, names []string) ([]*models.Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}
	rows, err := s.client.Query(ctx, exactEntitiesSQL, lowered)
	if err != nil {
		return nil, err
	}
	return rowsToEntities(rows), nil
}

// TopEntitiesByLinkCount lists the user's most-linked entities, the fuzzy
// matching candidate pool.
func (s *Store) TopEntitiesByLinkCount(ctx context.Context, limit int) ([]*models.Entity, error) {
	rows, err := s.client.Query(ctx, topEntitiesSQL, limit)
	if err != nil {
		return nil, err
	}
	return rowsToEntities(rows), nil
}

func rowsToMemories(rows []map[string]any) []*models.Memory {
	out := make([]*models.Memory, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToMemory(row))
	}
	return out
}

func rowToMemory(row map[string]any) *models.Memory {
	m := &models.Memory{
		ID:                       asString(row["id"]),
		UserID:                   asString(row["user_id"]),
		Text:                     asString(row["text"]),
		ImportanceScore:          toFloat(row["importance_score"]),
		Confidence:               toFloat(row["confidence"]),
		CreatedAt:                toTime(row["created_at"]),
		UpdatedAt:                toTime(row["updated_at"]),
		ExpiresAt:                toTimePtr(row["expires_at"]),
		HappensAt:                toTimePtr(row["happens_at"]),
		AccessCount:              toInt(row["access_count"]),
		LastAccessed:             toTimePtr(row["last_accessed"]),
		ActivityDays:             toInt(row["activity_days"]),
		IsArchived:               toBool(row["is_archived"]),
		ArchivedAt:               toTimePtr(row["archived_at"]),
		IsRefined:                toBool(row["is_refined"]),
		LastRefinedAt:            toTimePtr(row["last_refined_at"]),
		RefinementRejectionCount: toInt(row["refinement_rejection_count"]),
		SimilarityScore:          toFloat(row["similarity_score"]),
	}
	if v, ok := row["embedding"]; ok {
		if enc := asString(v); enc != "" {
			if vec, err := postgres.DecodeVector(enc); err == nil {
				m.Embedding = vec
			}
		}
	}
	decodeJSONColumn(row["inbound_links"], &m.InboundLinks)
	decodeJSONColumn(row["outbound_links"], &m.OutboundLinks)
	decodeJSONColumn(row["entity_links"], &m.EntityLinks)
	return m
}

func rowsToEntities(rows []map[string]any) []*models.Entity {
	out := make([]*models.Entity, 0, len(rows))
	for _, row := range rows {
		out = append(out, &models.Entity{
			ID:           asString(row["id"]),
			UserID:       asString(row["user_id"]),
			Name:         asString(row["name"]),
			EntityType:   models.EntityType(asString(row["entity_type"])),
			LinkCount:    toInt(row["link_count"]),
			LastLinkedAt: toTimePtr(row["last_linked_at"]),
			IsArchived:   toBool(row["is_archived"]),
			CreatedAt:    toTime(row["created_at"]),
		})
	}
	return out
}

// decodeJSONColumn round-trips a scanned JSONB value (already a []any of
// maps) into a typed slice.
func decodeJSONColumn(v any, dest any) {
	if v == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, dest)
}

func emptyIfNil(links []models.MemoryLink) []models.MemoryLink {
	if links == nil {
		return []models.MemoryLink{}
	}
	return links
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func defaultConfidence(v float64) float64 {
	if v <= 0 {
		return 0.75
	}
	return clampUnit(v)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return ""
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	}
	return 0
}

func toInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	}
	return 0
}

func toBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func toTimePtr(v any) *time.Time {
	t := toTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}
