package userdata

import (
	"context"
	"sync"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// Registry caches one Manager per user so repeated requests share the
// user's single SQLite connection.
type Registry struct {
	root   string
	logger *observability.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry builds the per-user manager cache.
func NewRegistry(cfg config.UserdataConfig, logger *observability.Logger) *Registry {
	return &Registry{
		root:     cfg.Root,
		logger:   logger.Component("userdata"),
		managers: make(map[string]*Manager),
	}
}

// ForUser returns the user's manager, creating it on first use.
func (r *Registry) ForUser(userID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[userID]; ok {
		return m, nil
	}
	m, err := newManager(r.root, userID, r.logger)
	if err != nil {
		return nil, err
	}
	r.managers[userID] = m
	return m, nil
}

// DomaindocsForUser lists a user's domain documents without handing out the
// manager. The orchestrator reads these when assembling system context.
func (r *Registry) DomaindocsForUser(ctx context.Context, userID string) ([]models.Domaindoc, error) {
	m, err := r.ForUser(userID)
	if err != nil {
		return nil, err
	}
	return m.ListDomaindocs(ctx)
}

// CloseUser closes a user's connection but keeps the manager cached; the
// next verb reopens lazily.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	m, ok := r.managers[userID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := m.Close(); err != nil {
		r.logger.Warn("close userdata connection", "user_id", userID, "error", err)
	}
}

// CloseAll closes every cached connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, m := range r.managers {
		if err := m.Close(); err != nil {
			r.logger.Warn("close userdata connection", "user_id", userID, "error", err)
		}
	}
}

// SubscribeBus wires the collapse handler: a collapsed segment marks a
// natural pause in the user's activity, so their SQLite handle is released.
func (r *Registry) SubscribeBus(bus *events.Bus) {
	bus.Subscribe(models.EventSegmentCollapsed, func(ctx context.Context, evt events.Event) {
		collapsed, ok := evt.(models.SegmentCollapsedEvent)
		if !ok {
			return
		}
		r.CloseUser(collapsed.UserID)
	})
}
