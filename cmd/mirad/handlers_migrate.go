package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/secrets"
	"github.com/mirahq/mira/internal/storage/postgres"
)

// =============================================================================
// Migrate Command Handlers
// =============================================================================

// migrateDirection selects what runMigrate does per database.
type migrateDirection int

const (
	migrateUp migrateDirection = iota
	migrateDown
	migrateStatus
)

// runMigrate opens the configured databases and applies the requested
// migration operation. An empty database name means every configured one.
func runMigrate(ctx context.Context, configPath, database string, dir migrateDirection, steps int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := observability.NewLogger(cfg.Logging)

	sec, err := migrationSecrets(ctx, cfg, logger)
	if err != nil {
		return err
	}
	pools := postgres.NewRegistry(cfg.Postgres, sec, logger)
	defer func() { _ = pools.Close() }()

	names, err := migrationTargets(cfg, database)
	if err != nil {
		return err
	}

	for _, name := range names {
		db, err := pools.DB(ctx, name)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}

		switch dir {
		case migrateUp:
			done, err := postgres.Migrate(ctx, db, name, logger)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", name, err)
			}
			fmt.Printf("%s: applied %d migration(s)\n", name, len(done))
		case migrateDown:
			done, err := postgres.MigrateDown(ctx, db, name, steps, logger)
			if err != nil {
				return fmt.Errorf("roll back %s: %w", name, err)
			}
			fmt.Printf("%s: rolled back %d migration(s)\n", name, len(done))
		case migrateStatus:
			statuses, err := postgres.MigrationStatus(ctx, db, name)
			if err != nil {
				return fmt.Errorf("status %s: %w", name, err)
			}
			fmt.Printf("%s:\n", name)
			for _, st := range statuses {
				if st.Applied {
					fmt.Printf("  [x] %s  (applied %s)\n", st.ID, st.AppliedAt.Format("2006-01-02 15:04:05"))
				} else {
					fmt.Printf("  [ ] %s\n", st.ID)
				}
			}
		}
	}
	return nil
}

// migrationTargets resolves which databases to operate on.
func migrationTargets(cfg *config.Config, database string) ([]string, error) {
	if database != "" {
		if _, ok := cfg.Postgres.Databases[database]; !ok {
			return nil, fmt.Errorf("database %q is not configured", database)
		}
		return []string{database}, nil
	}
	names := make([]string, 0, len(cfg.Postgres.Databases))
	for name := range cfg.Postgres.Databases {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no databases configured under postgres.databases")
	}
	sort.Strings(names)
	return names, nil
}

// migrationSecrets builds a secret source only when some database resolves
// its DSN through Vault; plain-DSN setups migrate without one.
func migrationSecrets(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*secrets.Cache, error) {
	needed := false
	for _, db := range cfg.Postgres.Databases {
		if db.VaultPath != "" {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}
	return buildSecrets(ctx, cfg, logger)
}
