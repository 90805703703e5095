package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mirahq/mira/internal/observability"
)

func TestLoadMigrations_BothDatabases(t *testing.T) {
	for _, database := range []string{DBService, DBMemory} {
		t.Run(database, func(t *testing.T) {
			migrations, err := LoadMigrations(database)
			if err != nil {
				t.Fatalf("LoadMigrations: %v", err)
			}
			if len(migrations) == 0 {
				t.Fatal("no migrations embedded")
			}
			for _, m := range migrations {
				if strings.TrimSpace(m.UpSQL) == "" {
					t.Errorf("migration %s has empty up step", m.ID)
				}
				if strings.TrimSpace(m.DownSQL) == "" {
					t.Errorf("migration %s has empty down step", m.ID)
				}
			}
		})
	}
}

func TestLoadMigrations_ServiceSchemaShape(t *testing.T) {
	migrations, err := LoadMigrations(DBService)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	sql := migrations[0].UpSQL

	for _, want := range []string{
		"segment_embedding vector(768)",
		"ROW LEVEL SECURITY",
		"app.current_user_id",
		"CREATE TABLE messages",
		"CREATE TABLE continuums",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("service schema missing %q", want)
		}
	}
}

func TestLoadMigrations_MemorySchemaShape(t *testing.T) {
	migrations, err := LoadMigrations(DBMemory)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	sql := migrations[0].UpSQL

	for _, want := range []string{
		"embedding vector(768) NOT NULL",
		"search_vector tsvector",
		"pg_trgm",
		"CREATE TABLE entities",
		"CREATE TABLE extraction_batches",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("memory schema missing %q", want)
		}
	}
}

func TestLoadMigrations_UnknownDatabase(t *testing.T) {
	if _, err := LoadMigrations("mira_nonexistent"); err == nil {
		t.Fatal("unknown database accepted")
	}
}

func TestMigrate_SkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	migrations, err := LoadMigrations(DBMemory)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	applied := sqlmock.NewRows([]string{"id", "applied_at"})
	for _, m := range migrations {
		applied.AddRow(m.ID, time.Now())
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").WillReturnRows(applied)
	// No begin/exec/commit: everything is already applied.

	done, err := Migrate(context.Background(), db, DBMemory, observability.NewTestLogger(nil))
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(done) != 0 {
		t.Errorf("applied %v, want nothing", done)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMigrate_AppliesPendingInTx(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	migrations, err := LoadMigrations(DBMemory)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}))
	for range migrations {
		mock.ExpectBegin()
		mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	done, err := Migrate(context.Background(), db, DBMemory, observability.NewTestLogger(nil))
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(done) != len(migrations) {
		t.Errorf("applied %d migrations, want %d", len(done), len(migrations))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMigrateDown_RollsBackNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	migrations, err := LoadMigrations(DBMemory)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	applied := sqlmock.NewRows([]string{"id", "applied_at"})
	for _, m := range migrations {
		applied.AddRow(m.ID, time.Now())
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").WillReturnRows(applied)
	mock.ExpectBegin()
	mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	done, err := MigrateDown(context.Background(), db, DBMemory, 1, observability.NewTestLogger(nil))
	if err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("rolled back %v, want exactly one step", done)
	}
	if want := migrations[len(migrations)-1].ID; done[0] != want {
		t.Errorf("rolled back %s, want newest %s", done[0], want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMigrateDown_NothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}))
	// No transactions: there is nothing to roll back.

	done, err := MigrateDown(context.Background(), db, DBMemory, 3, observability.NewTestLogger(nil))
	if err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if len(done) != 0 {
		t.Errorf("rolled back %v, want nothing", done)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMigrationStatus_ReportsAppliedState(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	migrations, err := LoadMigrations(DBService)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	when := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}).AddRow(migrations[0].ID, when))

	statuses, err := MigrationStatus(context.Background(), db, DBService)
	if err != nil {
		t.Fatalf("MigrationStatus: %v", err)
	}
	if len(statuses) != len(migrations) {
		t.Fatalf("got %d statuses, want %d", len(statuses), len(migrations))
	}
	if !statuses[0].Applied {
		t.Error("first migration should report applied")
	}
	if !statuses[0].AppliedAt.Equal(when) {
		t.Errorf("AppliedAt = %v, want %v", statuses[0].AppliedAt, when)
	}
	for _, s := range statuses[1:] {
		if s.Applied {
			t.Errorf("migration %s should report pending", s.ID)
		}
		if !s.AppliedAt.IsZero() {
			t.Errorf("pending migration %s carries a timestamp", s.ID)
		}
	}
}
