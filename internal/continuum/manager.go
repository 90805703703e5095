package continuum

import (
	"context"
	"sync"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// Manager owns the loaded continuum aggregates. Aggregates hydrate lazily
// from the store and stay resident; per-continuum reply locks serialize chat
// turns so a continuum never interleaves two replies.
type Manager struct {
	store  *Store
	cfg    config.ContinuumConfig
	logger *observability.Logger

	mu         sync.Mutex
	loaded     map[string]*Continuum
	replyLocks map[string]*sync.Mutex
}

// NewManager builds the runtime registry.
func NewManager(store *Store, cfg config.ContinuumConfig, logger *observability.Logger) *Manager {
	return &Manager{
		store:      store,
		cfg:        cfg,
		logger:     logger.Component("continuum.manager"),
		loaded:     make(map[string]*Continuum),
		replyLocks: make(map[string]*sync.Mutex),
	}
}

// GetOrCreate resolves the ambient user's continuum, creating it on first
// contact and hydrating the hot cache from the store.
func (m *Manager) GetOrCreate(ctx context.Context) (*Continuum, error) {
	rec, err := m.store.PrimaryForUser(ctx)
	if err != nil {
		return nil, err
	}
	return m.load(ctx, rec)
}

// Get resolves one continuum by id. Row security scopes the lookup to the
// ambient user, so foreign ids surface as ErrContinuumNotFound.
func (m *Manager) Get(ctx context.Context, continuumID string) (*Continuum, error) {
	if c, ok := m.peek(continuumID); ok {
		return c, nil
	}
	rec, err := m.store.GetContinuum(ctx, continuumID)
	if err != nil {
		return nil, err
	}
	return m.load(ctx, rec)
}

// Loaded returns the aggregate if it is already resident, without touching
// the store.
func (m *Manager) Loaded(continuumID string) (*Continuum, bool) {
	return m.peek(continuumID)
}

// ReplyLock returns the mutex serializing replies for one continuum.
func (m *Manager) ReplyLock(continuumID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.replyLocks[continuumID]
	if !ok {
		lock = &sync.Mutex{}
		m.replyLocks[continuumID] = lock
	}
	return lock
}

// ApplyCollapse swaps a collapsed sentinel into the resident aggregate, if
// any, so the next render reflects the synopsis without a reload.
func (m *Manager) ApplyCollapse(continuumID string, collapsed models.Message) {
	if c, ok := m.peek(continuumID); ok {
		c.ApplyCollapse(collapsed)
	}
}

// Evict drops a resident aggregate; the next access rehydrates.
func (m *Manager) Evict(continuumID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, continuumID)
}

func (m *Manager) peek(continuumID string) (*Continuum, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.loaded[continuumID]
	return c, ok
}

func (m *Manager) load(ctx context.Context, rec *Record) (*Continuum, error) {
	m.mu.Lock()
	if c, ok := m.loaded[rec.ID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	recent, err := m.store.RecentMessages(ctx, rec.ID, m.cfg.HotCacheSize)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.loaded[rec.ID]; ok {
		// Another request hydrated concurrently; keep the first.
		return c, nil
	}
	c := New(rec.ID, rec.UserID, m.cfg.HotCacheSize)
	c.Title = rec.Title
	c.ApplyCache(recent)
	m.loaded[rec.ID] = c
	m.logger.WithContext(ctx).Debug("continuum hydrated",
		"continuum_id", rec.ID, "messages", len(recent))
	return c, nil
}
