package continuum

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/pkg/models"
)

// Store errors.
var (
	ErrContinuumNotFound = errors.New("continuum not found")
	ErrSegmentNotFound   = errors.New("segment not found")
	// ErrSegmentNotActive reports a collapse against a sentinel that is no
	// longer active. Collapse is idempotent, so callers treat it as a no-op.
	ErrSegmentNotActive = errors.New("segment is not active")
	// ErrPostponeRange rejects postpone requests outside one minute to one
	// day.
	ErrPostponeRange = errors.New("postpone minutes must be between 1 and 1440")
)

const (
	insertContinuumSQL = `INSERT INTO continuums (user_id, title) VALUES ($1, $2) RETURNING id, created_at, updated_at, last_active_at`

	getContinuumSQL = `SELECT id, user_id, title, created_at, updated_at, last_active_at, collapse_postponed_until FROM continuums WHERE id = $1`

	primaryContinuumSQL = `SELECT id, user_id, title, created_at, updated_at, last_active_at, collapse_postponed_until FROM continuums WHERE user_id = $1 ORDER BY created_at ASC LIMIT 1`

	touchActivitySQL = `UPDATE continuums SET last_active_at = $2, updated_at = now() WHERE id = $1`

	postponeSQL = `UPDATE continuums SET collapse_postponed_until = $2, updated_at = now() WHERE id = $1`

	insertMessageSQL = `INSERT INTO messages (id, continuum_id, user_id, role, content, metadata, created_at) VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)`

	recentMessagesSQL = `SELECT id, role, content::text AS content, metadata::text AS metadata, created_at FROM (SELECT * FROM messages WHERE continuum_id = $1 ORDER BY seq DESC LIMIT $2) recent ORDER BY seq ASC`

	messagesPageSQL = `SELECT id, role, content::text AS content, metadata::text AS metadata, created_at FROM messages WHERE continuum_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`

	countMessagesSQL = `SELECT count(*) AS total FROM messages WHERE continuum_id = $1`

	activeSentinelSQL = `SELECT id, role, content::text AS content, metadata::text AS metadata, created_at FROM messages WHERE continuum_id = $1 AND metadata->>'is_segment_boundary' = 'true' AND metadata->>'status' = 'active' ORDER BY seq DESC LIMIT 1`

	sentinelBySegmentSQL = `SELECT id, role, content::text AS content, metadata::text AS metadata, created_at FROM messages WHERE continuum_id = $1 AND metadata->>'is_segment_boundary' = 'true' AND metadata->>'segment_id' = $2 LIMIT 1`

	segmentTailSQL = `SELECT id, role, content::text AS content, metadata::text AS metadata, created_at FROM messages WHERE continuum_id = $1 AND seq > (SELECT seq FROM messages WHERE continuum_id = $1 AND metadata->>'is_segment_boundary' = 'true' AND metadata->>'segment_id' = $2) ORDER BY seq ASC`

	collapseSentinelSQL = `UPDATE messages SET content = $2::jsonb, metadata = $3::jsonb, segment_embedding = $4::vector WHERE id = $1 AND metadata->>'status' = 'active'`

	sentinelToolsSQL = `UPDATE messages SET metadata = jsonb_set(metadata, '{tools_used}', $3::jsonb, true) WHERE continuum_id = $1 AND metadata->>'is_segment_boundary' = 'true' AND metadata->>'segment_id' = $2 AND metadata->>'status' = 'active'`

	// Maintenance scan across users; runs as the table owner, which row
	// security does not constrain.
	scanCandidatesSQL = `SELECT c.id AS continuum_id, c.user_id, u.timezone, c.last_active_at, c.collapse_postponed_until, m.metadata->>'segment_id' AS segment_id FROM continuums c JOIN users u ON u.id = c.user_id JOIN messages m ON m.continuum_id = c.id WHERE m.metadata->>'is_segment_boundary' = 'true' AND m.metadata->>'status' = 'active'`

	listUserIDsSQL = `SELECT id FROM users ORDER BY id`
)

// Record is one continuums row.
type Record struct {
	ID                     string
	UserID                 string
	Title                  string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LastActiveAt           time.Time
	CollapsePostponedUntil *time.Time
}

// ScanCandidate is one active segment the timeout scanner evaluates.
type ScanCandidate struct {
	ContinuumID            string
	UserID                 string
	Timezone               string
	SegmentID              string
	LastActiveAt           time.Time
	CollapsePostponedUntil *time.Time
}

// Store persists continuums and their message log on the mira_service
// database. Row-level security scopes user-facing queries to the ambient
// user.
type Store struct {
	client *postgres.Client
	logger *observability.Logger
	now    func() time.Time
}

// NewStore wraps a mira_service client.
func NewStore(client *postgres.Client, logger *observability.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.Component("continuum.store"),
		now:    time.Now,
	}
}

// CreateContinuum inserts a continuum for the ambient user.
func (s *Store) CreateContinuum(ctx context.Context, title string) (*Record, error) {
	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	row, err := s.client.QueryRow(ctx, insertContinuumSQL, userID, title)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("continuum insert returned no row")
	}
	return &Record{
		ID:           asString(row["id"]),
		UserID:       userID,
		Title:        title,
		CreatedAt:    toTime(row["created_at"]),
		UpdatedAt:    toTime(row["updated_at"]),
		LastActiveAt: toTime(row["last_active_at"]),
	}, nil
}

// GetContinuum loads one continuum by id, scoped to the ambient user.
func (s *Store) GetContinuum(ctx context.Context, id string) (*Record, error) {
	row, err := s.client.QueryRow(ctx, getContinuumSQL, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrContinuumNotFound, id)
	}
	return rowToRecord(row), nil
}

// PrimaryForUser returns the ambient user's continuum, creating it on first
// contact. Each user has one continuum; later ones would be variants, which
// the data model allows but nothing creates yet.
func (s *Store) PrimaryForUser(ctx context.Context) (*Record, error) {
	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	row, err := s.client.QueryRow(ctx, primaryContinuumSQL, userID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return rowToRecord(row), nil
	}
	return s.CreateContinuum(ctx, "")
}

// TouchActivity records user activity, resetting the inactivity clock.
func (s *Store) TouchActivity(ctx context.Context, continuumID string, at time.Time) error {
	_, err := s.client.Exec(ctx, touchActivitySQL, continuumID, at.UTC())
	return err
}

// PostponeCollapse pushes the inactivity clock forward by minutes in
// [1, 1440] and returns the new postpone deadline.
func (s *Store) PostponeCollapse(ctx context.Context, continuumID string, minutes int) (time.Time, error) {
	if minutes < 1 || minutes > 1440 {
		return time.Time{}, fmt.Errorf("%w: got %d", ErrPostponeRange, minutes)
	}
	until := s.now().UTC().Add(time.Duration(minutes) * time.Minute)
	res, err := s.client.Exec(ctx, postponeSQL, continuumID, until)
	if err != nil {
		return time.Time{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrContinuumNotFound, continuumID)
	}
	return until, nil
}

// AppendMessages persists messages in order within one transaction. The
// owning user comes from the ambient context.
func (s *Store) AppendMessages(ctx context.Context, continuumID string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return err
	}
	return s.client.WithTx(ctx, func(tx *sql.Tx) error {
		for _, msg := range msgs {
			content, metadata, err := encodeMessage(msg)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertMessageSQL,
				msg.ID, continuumID, userID, string(msg.Role), content, metadata, msg.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("append message %s: %w", msg.ID, err)
			}
		}
		return nil
	})
}

// RecentMessages loads the newest limit messages in append order, for hot
// cache hydration.
func (s *Store) RecentMessages(ctx context.Context, continuumID string, limit int) ([]models.Message, error) {
	rows, err := s.client.Query(ctx, recentMessagesSQL, continuumID, limit)
	if err != nil {
		return nil, err
	}
	return rowsToMessages(rows)
}

// MessagesPage returns one newest-first page of the log plus the total count.
func (s *Store) MessagesPage(ctx context.Context, continuumID string, limit, offset int) ([]models.Message, int, error) {
	rows, err := s.client.Query(ctx, messagesPageSQL, continuumID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := rowsToMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	countRow, err := s.client.QueryRow(ctx, countMessagesSQL, continuumID)
	if err != nil {
		return nil, 0, err
	}
	total := 0
	if countRow != nil {
		total = toInt(countRow["total"])
	}
	return msgs, total, nil
}

// ActiveSentinel returns the persisted active sentinel, if one exists.
func (s *Store) ActiveSentinel(ctx context.Context, continuumID string) (models.Message, bool, error) {
	row, err := s.client.QueryRow(ctx, activeSentinelSQL, continuumID)
	if err != nil {
		return models.Message{}, false, err
	}
	if row == nil {
		return models.Message{}, false, nil
	}
	msg, err := rowToMessage(row)
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// SentinelBySegment loads a sentinel by its segment id.
func (s *Store) SentinelBySegment(ctx context.Context, continuumID, segmentID string) (models.Message, error) {
	row, err := s.client.QueryRow(ctx, sentinelBySegmentSQL, continuumID, segmentID)
	if err != nil {
		return models.Message{}, err
	}
	if row == nil {
		return models.Message{}, fmt.Errorf("%w: %s", ErrSegmentNotFound, segmentID)
	}
	return rowToMessage(row)
}

// SegmentMessages collects the turns belonging to a segment: everything
// after its sentinel up to the next sentinel or session boundary.
// Notifications are kept; summarization filters them out itself.
func (s *Store) SegmentMessages(ctx context.Context, continuumID, segmentID string) ([]models.Message, error) {
	rows, err := s.client.Query(ctx, segmentTailSQL, continuumID, segmentID)
	if err != nil {
		return nil, err
	}
	tail, err := rowsToMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, m := range tail {
		if m.IsSegmentBoundary() || m.IsSessionBoundary() {
			return tail[:i], nil
		}
	}
	return tail, nil
}

// CollapseSentinel atomically replaces the sentinel's content, metadata and
// embedding, guarded on the sentinel still being active. Returns
// ErrSegmentNotActive when another worker collapsed it first.
func (s *Store) CollapseSentinel(ctx context.Context, collapsed models.Message, embedding []float32) error {
	if err := postgres.ValidateDimension(embedding); err != nil {
		return err
	}
	content, metadata, err := encodeMessage(collapsed)
	if err != nil {
		return err
	}
	res, err := s.client.Exec(ctx, collapseSentinelSQL,
		collapsed.ID, content, metadata, postgres.EncodeVector(embedding))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSegmentNotActive, collapsed.SegmentID())
	}
	return nil
}

// RecordSentinelTools writes the tool names used during a segment onto its
// active sentinel, so the list survives a working-memory expiry. A sentinel
// that already collapsed is left alone.
func (s *Store) RecordSentinelTools(ctx context.Context, continuumID, segmentID string, tools []string) error {
	if len(tools) == 0 {
		return nil
	}
	payload, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	_, err = s.client.Exec(ctx, sentinelToolsSQL, continuumID, segmentID, string(payload))
	return err
}

// UserIDs lists every known user. Unscoped maintenance query for the
// per-user background sweeps.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.client.Query(ctx, listUserIDsSQL)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, asString(row["id"]))
	}
	return out, nil
}

// ScanCandidates lists every active segment with its continuum's activity
// bookkeeping. Runs unscoped; callers re-enter user context per candidate.
func (s *Store) ScanCandidates(ctx context.Context) ([]ScanCandidate, error) {
	rows, err := s.client.Query(ctx, scanCandidatesSQL)
	if err != nil {
		return nil, err
	}
	out := make([]ScanCandidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, ScanCandidate{
			ContinuumID:            asString(row["continuum_id"]),
			UserID:                 asString(row["user_id"]),
			Timezone:               asString(row["timezone"]),
			SegmentID:              asString(row["segment_id"]),
			LastActiveAt:           toTime(row["last_active_at"]),
			CollapsePostponedUntil: toTimePtr(row["collapse_postponed_until"]),
		})
	}
	return out, nil
}

func rowToRecord(row map[string]any) *Record {
	return &Record{
		ID:                     asString(row["id"]),
		UserID:                 asString(row["user_id"]),
		Title:                  asString(row["title"]),
		CreatedAt:              toTime(row["created_at"]),
		UpdatedAt:              toTime(row["updated_at"]),
		LastActiveAt:           toTime(row["last_active_at"]),
		CollapsePostponedUntil: toTimePtr(row["collapse_postponed_until"]),
	}
}

func encodeMessage(msg models.Message) (content, metadata string, err error) {
	c, err := json.Marshal(msg.Content)
	if err != nil {
		return "", "", fmt.Errorf("encode content: %w", err)
	}
	meta := msg.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	m, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(c), string(m), nil
}

func rowsToMessages(rows []map[string]any) ([]models.Message, error) {
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := rowToMessage(row)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func rowToMessage(row map[string]any) (models.Message, error) {
	msg := models.Message{
		ID:        asString(row["id"]),
		Role:      models.Role(asString(row["role"])),
		CreatedAt: toTime(row["created_at"]),
	}
	if raw := asString(row["content"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Content); err != nil {
			return models.Message{}, fmt.Errorf("decode content for %s: %w", msg.ID, err)
		}
	}
	if raw := asString(row["metadata"]); raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &msg.Metadata); err != nil {
			return models.Message{}, fmt.Errorf("decode metadata for %s: %w", msg.ID, err)
		}
	}
	return msg, nil
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
