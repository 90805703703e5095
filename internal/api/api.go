// Package api serves the MIRA HTTP surface: chat, domain actions, data
// reads, health and the WebSocket event stream. Every response uses the
// same success/error envelope and every /v1 route except health runs behind
// bearer-token auth.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/continuum"
	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/ingest"
	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/orchestrator"
	"github.com/mirahq/mira/pkg/models"
)

// ChatService runs one reply turn for a user.
type ChatService interface {
	Chat(ctx context.Context, userID, continuumID, message string, attachments ...ingest.Attachment) (*orchestrator.Reply, error)
}

// AttachmentProcessor converts uploaded files into attachment renditions.
// *ingest.Processor satisfies this.
type AttachmentProcessor interface {
	ProcessAttachment(filename string, data []byte) (*ingest.Attachment, error)
}

// ContinuumReader serves history pages and resolves the caller's continuum.
type ContinuumReader interface {
	PrimaryForUser(ctx context.Context) (*continuum.Record, error)
	MessagesPage(ctx context.Context, continuumID string, limit, offset int) ([]models.Message, int, error)
}

// MemoryReader is the slice of LT-Memory the read endpoint uses.
type MemoryReader interface {
	MemoriesPage(ctx context.Context, limit, offset int) ([]*models.Memory, int, error)
}

// MemoryService extends the reader with the mutations the memory domain
// routes.
type MemoryService interface {
	MemoryReader
	StoreMemoriesWithEmbeddings(ctx context.Context, items []models.ExtractedMemory) ([]string, error)
	HybridSearch(ctx context.Context, p memory.SearchParams) ([]*models.Memory, error)
	ArchiveMemories(ctx context.Context, ids []string) error
}

// SecretSource resolves one field of a Vault path.
type SecretSource interface {
	Get(ctx context.Context, path, field string) (string, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefenseStatus exposes the injection-defense degraded flag.
type DefenseStatus interface {
	Degraded() bool
}

// Options wire a Server. Chat, Actions, History, Memory, Secrets, Bus,
// Database, Valkey and Logger are required; Defense, Ingest and Metrics are
// optional. Without Ingest, chat requests carrying attachments are rejected.
type Options struct {
	Chat     ChatService
	Actions  *Actions
	History  ContinuumReader
	Memory   MemoryReader
	Secrets  SecretSource
	Bus      *events.Bus
	Database Pinger
	Valkey   Pinger
	Defense  DefenseStatus
	Ingest   AttachmentProcessor
	Config   config.ServerConfig
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Server is the HTTP front end. It owns the route table, the auth
// middleware and the WebSocket event hub; request handling delegates to the
// orchestrator and the actions dispatcher.
type Server struct {
	chat     ChatService
	actions  *Actions
	history  ContinuumReader
	memory   MemoryReader
	secrets  SecretSource
	database Pinger
	valkey   Pinger
	defense  DefenseStatus
	ingest   AttachmentProcessor
	cfg      config.ServerConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	jwtPath  string
	jwtField string

	mux      *http.ServeMux
	events   *eventHub
	upgrader websocket.Upgrader
	http     *http.Server

	now func() time.Time
}

// New builds the server and its route table.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Chat == nil:
		return nil, errors.New("api: chat service is required")
	case opts.Actions == nil:
		return nil, errors.New("api: actions dispatcher is required")
	case opts.History == nil:
		return nil, errors.New("api: continuum reader is required")
	case opts.Memory == nil:
		return nil, errors.New("api: memory reader is required")
	case opts.Secrets == nil:
		return nil, errors.New("api: secret source is required")
	case opts.Bus == nil:
		return nil, errors.New("api: event bus is required")
	case opts.Database == nil:
		return nil, errors.New("api: database pinger is required")
	case opts.Valkey == nil:
		return nil, errors.New("api: valkey pinger is required")
	case opts.Logger == nil:
		return nil, errors.New("api: logger is required")
	}

	jwtPath, jwtField, err := splitSecretPath(opts.Config.JWTSecretPath)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.Component("api")
	s := &Server{
		chat:     opts.Chat,
		actions:  opts.Actions,
		history:  opts.History,
		memory:   opts.Memory,
		secrets:  opts.Secrets,
		database: opts.Database,
		valkey:   opts.Valkey,
		defense:  opts.Defense,
		ingest:   opts.Ingest,
		cfg:      opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
		jwtPath:  jwtPath,
		jwtField: jwtField,
		mux:      http.NewServeMux(),
		events:   newEventHub(opts.Bus, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("GET /v1/health", s.instrument(http.HandlerFunc(s.handleHealth)))

	s.mux.Handle("POST /v1/chat", s.instrument(s.authed(s.handleChat)))
	s.mux.Handle("POST /v1/actions", s.instrument(s.authed(s.handleActions)))
	s.mux.Handle("GET /v1/data", s.instrument(s.authed(s.handleData)))
	s.mux.Handle("GET /v1/users/{user_id}/data", s.instrument(s.authed(s.handleData)))

	// The event socket hijacks the connection, so it skips the status
	// recorder.
	s.mux.Handle("GET /v1/events/ws", s.authed(s.handleEvents))
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", addr)
	return nil
}

// Shutdown stops accepting requests, waits out in-flight ones up to the
// configured grace and closes every event socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Close()
	if s.http == nil {
		return nil
	}
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// splitSecretPath separates a Vault reference like mira/auth/jwt_secret_key
// into the secret path and the field within it.
func splitSecretPath(ref string) (path, field string, err error) {
	idx := strings.LastIndex(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", fmt.Errorf("api: jwt secret path %q must be <path>/<field>", ref)
	}
	return ref[:idx], ref[idx+1:], nil
}
