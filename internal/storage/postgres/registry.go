// Package postgres manages the per-database connection pools and the
// row-level-security user context, and provides JSON-verb helpers shared by
// every Postgres-backed store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/secrets"
)

// Database names used throughout the service.
const (
	DBService = "mira_service"
	DBMemory  = "mira_memory"
)

// Registry hands out one lazily-opened pool per configured database.
type Registry struct {
	cfg     config.PostgresConfig
	secrets *secrets.Cache
	logger  *observability.Logger

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewRegistry builds the registry. sec may be nil when no database resolves
// its DSN through Vault.
func NewRegistry(cfg config.PostgresConfig, sec *secrets.Cache, logger *observability.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		secrets: sec,
		logger:  logger.Component("postgres"),
		pools:   make(map[string]*sql.DB),
	}
}

// DB returns the pool for the named database, opening it on first use.
func (r *Registry) DB(ctx context.Context, name string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[name]; ok {
		return db, nil
	}

	dbCfg, ok := r.cfg.Databases[name]
	if !ok {
		return nil, fmt.Errorf("postgres: unknown database %q (configured: %v)", name, r.configuredNames())
	}

	dsn, err := r.resolveDSN(ctx, name, dbCfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open %s: %w", name, err)
	}

	maxConns := int(dbCfg.MaxConns)
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(int(dbCfg.MinConns))
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping %s: %w", name, err)
	}

	r.pools[name] = db
	r.logger.Info("opened database pool", "database", name, "max_conns", maxConns)
	return db, nil
}

// Client returns a scoped client for the named database.
func (r *Registry) Client(ctx context.Context, name string) (*Client, error) {
	db, err := r.DB(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewClient(db, name, r.logger), nil
}

// resolveDSN prefers the Vault path when one is configured.
func (r *Registry) resolveDSN(ctx context.Context, name string, dbCfg config.DatabaseConfig) (string, error) {
	if dbCfg.VaultPath != "" {
		if r.secrets == nil {
			return "", fmt.Errorf("postgres: database %q has vault_path but no secret cache", name)
		}
		dsn, err := r.secrets.Get(ctx, dbCfg.VaultPath, "dsn")
		if err != nil {
			return "", fmt.Errorf("postgres: resolve dsn for %s: %w", name, err)
		}
		return dsn, nil
	}
	if dbCfg.DSN == "" {
		return "", fmt.Errorf("postgres: database %q has neither dsn nor vault_path", name)
	}
	return dbCfg.DSN, nil
}

func (r *Registry) configuredNames() []string {
	names := make([]string, 0, len(r.cfg.Databases))
	for n := range r.cfg.Databases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close shuts every open pool.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, db := range r.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("postgres: close %s: %w", name, err)
		}
		delete(r.pools, name)
	}
	return firstErr
}

// ResetPools closes and forgets every pool. Test helper; production code
// uses Close at shutdown.
func (r *Registry) ResetPools() {
	_ = r.Close()
}
