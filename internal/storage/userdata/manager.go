// Package userdata stores each user's private structured data in an
// encrypted per-user SQLite file. Scoping is enforced in code on every
// verb; there is no RLS here.
package userdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/mirahq/mira/internal/observability"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Manager is one user's handle to their SQLite file. The connection opens
// lazily on first use and stays open until Close.
type Manager struct {
	userID string
	path   string
	logger *observability.Logger
	cipher *fieldCipher
	now    func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// newManager builds the handle without touching the filesystem.
func newManager(root, userID string, logger *observability.Logger) (*Manager, error) {
	cipher, err := newFieldCipher(userID)
	if err != nil {
		return nil, err
	}
	return &Manager{
		userID: userID,
		path:   filepath.Join(root, "data", "users", userID, "userdata.db"),
		logger: logger.Component("userdata").With("user_id", userID),
		cipher: cipher,
		now:    time.Now,
	}, nil
}

// conn opens the database on first call: directories created, WAL enabled,
// schema applied.
func (m *Manager) conn(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return nil, fmt.Errorf("userdata: create dir for %s: %w", m.path, err)
	}

	dsn := "file:" + m.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("userdata: open %s: %w", m.path, err)
	}
	// One persistent connection; WAL handles cross-process readers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userdata: apply schema: %w", err)
	}

	m.db = db
	m.logger.Debug("opened userdata database", "path", m.path)
	return db, nil
}

// Close releases the connection. The next verb reopens lazily.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	if err != nil {
		return fmt.Errorf("userdata: close %s: %w", m.path, err)
	}
	return nil
}

// UserID returns the owning user.
func (m *Manager) UserID() string { return m.userID }

// JSONInsert inserts one row, adding user_id and both timestamps, and
// encrypting encrypted__ columns. Returns the new rowid. The caller's map
// is never mutated.
func (m *Manager) JSONInsert(ctx context.Context, table string, data map[string]any) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	db, err := m.conn(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now().UTC().Format(time.RFC3339Nano)
	row := make(map[string]any, len(data)+3)
	for k, v := range data {
		row[k] = v
	}
	row["user_id"] = m.userID
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = now
	}
	if _, ok := row["updated_at"]; !ok {
		row["updated_at"] = now
	}

	cols := sortedColumns(row)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return 0, err
		}
		placeholders[i] = "?"
		v, err := m.encodeValue(col, row[col])
		if err != nil {
			return 0, err
		}
		args[i] = v
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("userdata: insert into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("userdata: insert id: %w", err)
	}
	return id, nil
}

// JSONSelect reads rows matching filters, always adding the user_id filter,
// and decrypts encrypted__ columns (plaintext rows pass through and are
// noted in the log).
func (m *Manager) JSONSelect(ctx context.Context, table string, filters map[string]any, orderBy string, limit int) ([]map[string]any, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	db, err := m.conn(ctx)
	if err != nil {
		return nil, err
	}

	where, args, err := m.scopedWhere(filters)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE ")
	b.WriteString(where)
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

	rows, err := db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("userdata: select from %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	for _, row := range out {
		m.decryptRow(row)
	}
	return out, nil
}

// JSONUpdate updates the row with the given id if it belongs to this user.
// updated_at refreshes; created_at is dropped if supplied.
func (m *Manager) JSONUpdate(ctx context.Context, table string, id int64, updates map[string]any) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, fmt.Errorf("userdata: update %s: no columns", table)
	}
	db, err := m.conn(ctx)
	if err != nil {
		return 0, err
	}

	row := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		if k == "created_at" || k == "user_id" {
			continue
		}
		row[k] = v
	}
	row["updated_at"] = m.now().UTC().Format(time.RFC3339Nano)

	cols := sortedColumns(row)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return 0, err
		}
		sets[i] = col + " = ?"
		v, err := m.encodeValue(col, row[col])
		if err != nil {
			return 0, err
		}
		args = append(args, v)
	}
	args = append(args, id, m.userID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND user_id = ?", table, strings.Join(sets, ", "))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("userdata: update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("userdata: update %s rows: %w", table, err)
	}
	return n, nil
}

// JSONDelete removes this user's rows matching filters.
func (m *Manager) JSONDelete(ctx context.Context, table string, filters map[string]any) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	db, err := m.conn(ctx)
	if err != nil {
		return 0, err
	}

	where, args, err := m.scopedWhere(filters)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("userdata: delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("userdata: delete from %s rows: %w", table, err)
	}
	return n, nil
}

// scopedWhere builds the conjunction with user_id always included.
func (m *Manager) scopedWhere(filters map[string]any) (string, []any, error) {
	clauses := []string{"user_id = ?"}
	args := []any{m.userID}

	for _, col := range sortedColumns(filters) {
		if col == "user_id" {
			continue
		}
		if err := validIdent(col); err != nil {
			return "", nil, err
		}
		v := filters[col]
		if v == nil {
			clauses = append(clauses, col+" IS NULL")
			continue
		}
		ev, err := m.encodeValue(col, v)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, ev)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// encodeValue prepares one value for binding; encrypted__ columns are
// turned into Fernet tokens, times into RFC3339 text, bools into 0/1.
func (m *Manager) encodeValue(col string, v any) (any, error) {
	if IsEncryptedColumn(col) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("userdata: encrypted column %s requires a string, got %T", col, v)
		}
		return m.cipher.Encrypt(s)
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return v, nil
	}
}

// decryptRow replaces encrypted__ values in place. Plaintext fallbacks are
// kept as-is and logged once per row.
func (m *Manager) decryptRow(row map[string]any) {
	for col, v := range row {
		if !IsEncryptedColumn(col) {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		value, plaintext := m.cipher.Decrypt(s)
		if plaintext {
			m.logger.Debug("encrypted column held plaintext, returning as-is", "column", col)
		}
		row[col] = value
	}
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("userdata: columns: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("userdata: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userdata: rows: %w", err)
	}
	return out, nil
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
		return fmt.Errorf("userdata: invalid identifier %q", name)
	}
	return nil
}

func validOrderBy(orderBy string) error {
	for _, part := range strings.Split(orderBy, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 || len(fields) > 2 {
			return fmt.Errorf("userdata: invalid order by %q", orderBy)
		}
		if err := validIdent(fields[0]); err != nil {
			return fmt.Errorf("userdata: invalid order by %q", orderBy)
		}
		if len(fields) == 2 {
			dir := strings.ToUpper(fields[1])
			if dir != "ASC" && dir != "DESC" {
				return fmt.Errorf("userdata: invalid order by %q", orderBy)
			}
		}
	}
	return nil
}

// schemaSQL is idempotent and applied on every open.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS domaindocs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    section TEXT NOT NULL,
    subsection TEXT NOT NULL DEFAULT '',
    encrypted__content TEXT NOT NULL DEFAULT '',
    expanded_by_default INTEGER NOT NULL DEFAULT 0,
    collapsed INTEGER NOT NULL DEFAULT 0,
    sort_order INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (user_id, section, subsection)
);

CREATE TABLE IF NOT EXISTS domaindoc_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    domaindoc_id INTEGER NOT NULL,
    encrypted__content TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS domaindoc_versions_doc_idx
    ON domaindoc_versions (domaindoc_id, version);

CREATE TABLE IF NOT EXISTS settings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    key TEXT NOT NULL,
    encrypted__value TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (user_id, key)
);
`
