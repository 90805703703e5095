package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/observability"
)

// timestampedTables carry created_at/updated_at maintained by the JSON
// verbs. Other tables manage their own columns.
var timestampedTables = map[string]bool{
	"memories":  true,
	"reminders": true,
	"contacts":  true,
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Client executes statements against one database with the ambient user
// context applied to every pinned session, so row-level security sees
// app.current_user_id before any statement runs.
type Client struct {
	db       *sql.DB
	database string
	logger   *observability.Logger
	now      func() time.Time
}

// NewClient wraps an open pool. The database name is only used in errors
// and logs.
func NewClient(db *sql.DB, database string, logger *observability.Logger) *Client {
	return &Client{
		db:       db,
		database: database,
		logger:   logger.Component("postgres." + database),
		now:      time.Now,
	}
}

// DB exposes the underlying pool for callers that manage their own
// sessions. Most code should go through the Client methods instead.
func (c *Client) DB() *sql.DB { return c.db }

// Ping verifies connectivity on the bare pool, without session setup.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping %s: %w", c.database, err)
	}
	return nil
}

// acquire pins one session and applies (or clears) the user context from
// ctx. The release func clears the setting and returns the session.
func (c *Client) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: acquire %s: %w", c.database, err)
	}

	userID := observability.GetUserID(ctx)
	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.current_user_id', $1, false)", userID); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("postgres: set user context: %w", err)
	}

	release := func() {
		// Clear even when the caller's ctx is already done, so a pooled
		// session never leaks one user's context into the next request.
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(clearCtx, "SELECT set_config('app.current_user_id', '', false)")
		_ = conn.Close()
	}
	return conn, release, nil
}

// WithConn runs fn on a user-scoped session.
func (c *Client) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(conn)
}

// WithTx runs fn inside a transaction on a user-scoped session. fn's error
// rolls back; otherwise the transaction commits.
func (c *Client) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			c.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Exec runs one statement on a user-scoped session.
func (c *Client) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: exec: %w", err)
	}
	return res, nil
}

// Query runs one query on a user-scoped session and scans every row into a
// map, decoding JSONB columns into native values.
func (c *Client) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	conn, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()
	return RowsToMaps(rows)
}

// QueryRow runs a query expected to yield at most one row. A missing row
// returns (nil, nil).
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// JSONInsert inserts data as one row and returns the new id. It injects
// user_id only when an ambient user is present and the caller did not set
// one, and created_at/updated_at only for tables that carry them. The
// caller's map is never mutated.
func (c *Client) JSONInsert(ctx context.Context, table string, data map[string]any) (string, error) {
	if err := validIdent(table); err != nil {
		return "", err
	}

	row := make(map[string]any, len(data)+3)
	for k, v := range data {
		row[k] = v
	}
	if userID := observability.GetUserID(ctx); userID != "" {
		if _, ok := row["user_id"]; !ok {
			row["user_id"] = userID
		}
	}
	if timestampedTables[table] {
		now := c.now().UTC()
		if _, ok := row["created_at"]; !ok {
			row["created_at"] = now
		}
		if _, ok := row["updated_at"]; !ok {
			row["updated_at"] = now
		}
	}

	cols := sortedColumns(row)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return "", err
		}
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		v, err := encodeValue(row[col])
		if err != nil {
			return "", fmt.Errorf("postgres: encode %s.%s: %w", table, col, err)
		}
		args[i] = v
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)

	var id string
	err := c.WithConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, args...).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("postgres: insert into %s: %w", table, err)
	}
	return id, nil
}

// JSONSelect reads rows matching filters. A nil filter value becomes IS
// NULL; a slice becomes an ANY match. orderBy may be empty; limit <= 0
// means no limit.
func (c *Client) JSONSelect(ctx context.Context, table string, filters map[string]any, orderBy string, limit int) ([]map[string]any, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}

	where, args, err := buildWhere(filters, 1)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(table)
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if orderBy != "" {
		if err := validOrderBy(orderBy); err != nil {
			return nil, err
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(orderBy)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}

	return c.Query(ctx, b.String(), args...)
}

// JSONUpdate applies updates to the row with the given id and returns the
// affected count (zero when RLS hides the row). updated_at refreshes
// automatically on timestamped tables; created_at is never touched.
func (c *Client) JSONUpdate(ctx context.Context, table, id string, updates map[string]any) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, fmt.Errorf("postgres: update %s: no columns", table)
	}

	row := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		if k == "created_at" {
			continue
		}
		row[k] = v
	}
	if timestampedTables[table] {
		if _, ok := row["updated_at"]; !ok {
			row["updated_at"] = c.now().UTC()
		}
	}

	cols := sortedColumns(row)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return 0, err
		}
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
		v, err := encodeValue(row[col])
		if err != nil {
			return 0, fmt.Errorf("postgres: encode %s.%s: %w", table, col, err)
		}
		args = append(args, v)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(args))
	res, err := c.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: update %s rows affected: %w", table, err)
	}
	return n, nil
}

// JSONDelete removes rows matching filters and returns the count. An empty
// filter map is rejected; full-table deletes must be written by hand.
func (c *Client) JSONDelete(ctx context.Context, table string, filters map[string]any) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, fmt.Errorf("postgres: delete from %s: empty filter", table)
	}

	where, args, err := buildWhere(filters, 1)
	if err != nil {
		return 0, err
	}
	res, err := c.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: delete from %s rows affected: %w", table, err)
	}
	return n, nil
}

// buildWhere renders filters into a conjunction, numbering placeholders
// from startIdx. Keys are emitted in sorted order so statements are stable
// for caching and tests.
func buildWhere(filters map[string]any, startIdx int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	cols := sortedColumns(filters)
	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	n := startIdx
	for _, col := range cols {
		if err := validIdent(col); err != nil {
			return "", nil, err
		}
		v := filters[col]
		switch {
		case v == nil:
			clauses = append(clauses, col+" IS NULL")
		case isSlice(v):
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, n))
			args = append(args, v)
			n++
		default:
			ev, err := encodeValue(v)
			if err != nil {
				return "", nil, fmt.Errorf("postgres: encode filter %s: %w", col, err)
			}
			clauses = append(clauses, fmt.Sprintf("%s = $%d", col, n))
			args = append(args, ev)
			n++
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// encodeValue converts Go values to driver-friendly forms: float32 slices
// become pgvector literals, maps and []any become JSON text. Typed slices
// pass through for array binding.
func encodeValue(v any) (any, error) {
	switch t := v.(type) {
	case []float32:
		return EncodeVector(t), nil
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case json.RawMessage:
		return string(t), nil
	default:
		return v, nil
	}
}

func isSlice(v any) bool {
	switch v.(type) {
	case []string, []int, []int64, []float64:
		return true
	}
	return false
}

// RowsToMaps scans all rows into maps. JSONB/JSON columns decode into
// native values; other byte slices become strings.
func RowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("postgres: columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("postgres: column types: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = decodeColumn(values[i], types[i].DatabaseTypeName())
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return out, nil
}

func decodeColumn(v any, typeName string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch typeName {
	case "JSON", "JSONB":
		var decoded any
		if err := json.Unmarshal(b, &decoded); err == nil {
			return decoded
		}
		return string(b)
	default:
		return string(b)
	}
}

func sortedColumns[V any](m map[string]V) []string {
	cols := make([]string, 0, len(m))
	for k := range m {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("postgres: invalid identifier %q", name)
	}
	return nil
}

// validOrderBy accepts "col", "col DESC", "col ASC, other DESC" forms.
func validOrderBy(orderBy string) error {
	for _, part := range strings.Split(orderBy, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 || len(fields) > 2 {
			return fmt.Errorf("postgres: invalid order by %q", orderBy)
		}
		if err := validIdent(fields[0]); err != nil {
			return fmt.Errorf("postgres: invalid order by %q", orderBy)
		}
		if len(fields) == 2 {
			dir := strings.ToUpper(fields[1])
			if dir != "ASC" && dir != "DESC" {
				return fmt.Errorf("postgres: invalid order by %q", orderBy)
			}
		}
	}
	return nil
}
