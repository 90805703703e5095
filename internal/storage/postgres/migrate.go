package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/observability"
)

//go:embed migrations/mira_service/*.sql migrations/mira_memory/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema step.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// StepStatus is one migration's applied state. AppliedAt is zero while the
// step is pending.
type StepStatus struct {
	ID        string
	Applied   bool
	AppliedAt time.Time
}

// Migrate applies every pending migration for the named database, each in
// its own transaction, recording progress in schema_migrations. It returns
// the ids it applied, in apply order.
func Migrate(ctx context.Context, db *sql.DB, database string, logger *observability.Logger) ([]string, error) {
	log := logger.Component("migrate")

	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(database)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range migrations {
		if _, ok := applied[m.ID]; ok {
			continue
		}
		if strings.TrimSpace(m.UpSQL) == "" {
			return done, fmt.Errorf("postgres: missing up migration for %s", m.ID)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return done, fmt.Errorf("postgres: begin migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("postgres: apply migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, m.ID); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("postgres: record migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return done, fmt.Errorf("postgres: commit migration %s: %w", m.ID, err)
		}
		log.Info("applied migration", "database", database, "id", m.ID)
		done = append(done, m.ID)
	}
	return done, nil
}

// MigrateDown rolls back up to steps applied migrations for the named
// database, newest first, each in its own transaction. It returns the ids it
// rolled back, in rollback order.
func MigrateDown(ctx context.Context, db *sql.DB, database string, steps int, logger *observability.Logger) ([]string, error) {
	log := logger.Component("migrate")
	if steps <= 0 {
		steps = 1
	}

	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(database)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var done []string
	for i := len(migrations) - 1; i >= 0 && len(done) < steps; i-- {
		m := migrations[i]
		if _, ok := applied[m.ID]; !ok {
			continue
		}
		if strings.TrimSpace(m.DownSQL) == "" {
			return done, fmt.Errorf("postgres: missing down migration for %s", m.ID)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return done, fmt.Errorf("postgres: begin rollback %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("postgres: roll back migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE id = $1`, m.ID); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("postgres: unrecord migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return done, fmt.Errorf("postgres: commit rollback %s: %w", m.ID, err)
		}
		log.Info("rolled back migration", "database", database, "id", m.ID)
		done = append(done, m.ID)
	}
	return done, nil
}

// MigrationStatus reports every embedded migration for the named database
// with its applied state, in apply order.
func MigrationStatus(ctx context.Context, db *sql.DB, database string) ([]StepStatus, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(database)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	statuses := make([]StepStatus, 0, len(migrations))
	for _, m := range migrations {
		at, ok := applied[m.ID]
		statuses = append(statuses, StepStatus{ID: m.ID, Applied: ok, AppliedAt: at})
	}
	return statuses, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]time.Time{}
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("postgres: scan schema_migrations: %w", err)
		}
		applied[id] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: schema_migrations: %w", err)
	}
	return applied, nil
}

// LoadMigrations reads the embedded steps for one database, sorted by id.
func LoadMigrations(database string) ([]Migration, error) {
	dir := "migrations/" + database
	paths, err := fs.Glob(migrationsFS, dir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("postgres: list migrations for %s: %w", database, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("postgres: no migrations for database %q", database)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, dir+"/")
		suffix := ""
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("postgres: read migration %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
