package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirahq/mira/internal/api"
	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/continuum"
	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/ingest"
	"github.com/mirahq/mira/internal/llm"
	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/orchestrator"
	"github.com/mirahq/mira/internal/prompts"
	"github.com/mirahq/mira/internal/scheduler"
	"github.com/mirahq/mira/internal/secrets"
	"github.com/mirahq/mira/internal/security"
	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/internal/storage/userdata"
	"github.com/mirahq/mira/internal/storage/valkey"
	"github.com/mirahq/mira/internal/tools"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
// It wires every subsystem, starts the workers and the HTTP server, and
// handles graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	// Adjust log level if debug mode is enabled.
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting mirad",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, stopTracing := observability.NewTracer(cfg.Tracing)
	bus := events.NewBus(logger)

	sec, err := buildSecrets(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// Resolve the secrets every request path needs, so a bad credential
	// fails boot instead of the first chat.
	preload := []string{path.Dir(cfg.Server.JWTSecretPath), cfg.LLM.APIKeyPath}
	if p := cfg.LLM.Embeddings.APIKeyPath; p != "" {
		preload = append(preload, p)
	}
	for _, db := range cfg.Postgres.Databases {
		if db.VaultPath != "" {
			preload = append(preload, db.VaultPath)
		}
	}
	if err := sec.Preload(ctx, preload...); err != nil {
		return fmt.Errorf("preload secrets: %w", err)
	}

	pools := postgres.NewRegistry(cfg.Postgres, sec, logger)
	serviceDB, err := pools.Client(ctx, postgres.DBService)
	if err != nil {
		return fmt.Errorf("open %s: %w", postgres.DBService, err)
	}
	memoryDB, err := pools.Client(ctx, postgres.DBMemory)
	if err != nil {
		return fmt.Errorf("open %s: %w", postgres.DBMemory, err)
	}

	cache := valkey.New(cfg.Valkey, logger, metrics)
	users := userdata.NewRegistry(cfg.Userdata, logger)
	users.SubscribeBus(bus)

	promptStore, err := prompts.NewStore(cfg.Prompts, logger)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	if err := promptStore.StartWatching(ctx); err != nil {
		logger.Warn("prompt hot reload unavailable", "error", err)
	}

	llmClient := llm.NewClient(cfg.LLM, sec, logger, metrics)
	embedder := llm.NewEmbeddingClient(cfg.LLM.Embeddings, sec, logger)

	memories, err := memory.NewService(memory.Options{
		Client:     memoryDB,
		Embedder:   embedder,
		Reranker:   llmClient,
		Classifier: llmClient,
		Provider:   llmClient,
		Config:     cfg.Memory,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		return fmt.Errorf("initialize memory: %w", err)
	}

	continuums := continuum.NewStore(serviceDB, logger)
	manager := continuum.NewManager(continuums, cfg.Continuum, logger)
	summarizer := continuum.NewLLMSummarizer(llmClient, promptStore, cfg.Continuum.ChunkChars, logger)
	collapser := continuum.NewCollapser(continuum.CollapserOptions{
		Store:      continuums,
		Manager:    manager,
		Summarizer: summarizer,
		Embedder:   memories,
		Extraction: memories.Extraction,
		Bus:        bus,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	collapser.Subscribe(bus)
	scanner := continuum.NewScanner(continuums, bus, cfg.Continuum, logger)

	defense := security.NewDefense(cfg.Security.Injection, llmClient, promptStore, logger, metrics)

	toolbox := tools.NewRegistry(logger, metrics)
	for _, t := range []tools.Tool{
		tools.NewMemoryTool(memories, logger),
		tools.NewDomaindocsTool(users, logger),
	} {
		if err := toolbox.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	if err := toolbox.Register(tools.NewInvokeOtherTool(toolbox, logger)); err != nil {
		return fmt.Errorf("register tool: %w", err)
	}

	working := orchestrator.NewWorkingMemory(cache, continuums, cfg.Continuum.WorkingMemoryTTL, logger)
	// The TTL handler must be in place before the expiry listener starts.
	working.Register()

	chat, err := orchestrator.New(orchestrator.Options{
		Continuums:    manager,
		Store:         continuums,
		LLM:           llmClient,
		Tools:         toolbox,
		Defense:       defense,
		Prompts:       promptStore,
		Bus:           bus,
		Memory:        memories,
		Domaindocs:    users,
		WorkingMemory: working,
		Config:        cfg.Continuum,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	workers, err := scheduler.New(scheduler.Options{
		Scanner:       scanner,
		Poller:        memories.Extraction,
		Refiner:       memories.Refiner,
		Consolidation: memories.Extraction,
		Users:         continuums,
		Defense:       defense,
		Expiry:        cache,
		Config:        cfg.Scheduler,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	actions, err := api.NewActions(api.ActionsOptions{
		Rows:       serviceDB,
		Memory:     memories,
		Continuums: continuums,
		Collapser:  collapser,
		Domaindocs: func(userID string) (api.DomaindocManager, error) {
			return users.ForUser(userID)
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("initialize actions: %w", err)
	}

	server, err := api.New(api.Options{
		Chat:     chat,
		Actions:  actions,
		History:  continuums,
		Memory:   memories,
		Secrets:  sec,
		Bus:      bus,
		Database: serviceDB,
		Valkey:   cache,
		Defense:  defense,
		Ingest:   ingest.NewProcessor(cfg.Ingest),
		Config:   cfg.Server,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("initialize api: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	slog.Info("mirad started",
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"databases", len(cfg.Postgres.Databases),
	)

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	// Create a timeout context for graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		slog.Warn("workers did not drain in time", "error", err)
	}
	bus.Shutdown()
	_ = promptStore.Close()
	users.CloseAll()
	if err := pools.Close(); err != nil {
		slog.Warn("closing database pools", "error", err)
	}
	if err := cache.Close(); err != nil {
		slog.Warn("closing valkey", "error", err)
	}
	_ = stopTracing(shutdownCtx)

	slog.Info("mirad stopped gracefully")
	return nil
}

// buildSecrets picks the secret source: Vault when enabled, the local
// secrets file otherwise.
func buildSecrets(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*secrets.Cache, error) {
	switch {
	case cfg.Vault.Enabled:
		sec, err := secrets.New(ctx, cfg.Vault, logger)
		if err != nil {
			return nil, fmt.Errorf("connect vault: %w", err)
		}
		return sec, nil
	case cfg.Vault.File != "":
		sec, err := secrets.LoadFile(cfg.Vault.File)
		if err != nil {
			return nil, err
		}
		logger.Warn("vault disabled, using local secrets file", "file", cfg.Vault.File)
		return sec, nil
	default:
		return nil, errors.New("no secret source: enable vault or set vault.file")
	}
}
