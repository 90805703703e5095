package continuum

import (
	"context"
	"time"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// Scanner finds active segments whose continuum has been idle past the
// threshold for the user's current local hour and fires timeout events for
// them. Collapse itself happens in the event handler, so a slow collapse
// never stalls the scan.
type Scanner struct {
	store  *Store
	bus    *events.Bus
	cfg    config.ContinuumConfig
	logger *observability.Logger
	now    func() time.Time
}

// NewScanner builds the timeout scanner.
func NewScanner(store *Store, bus *events.Bus, cfg config.ContinuumConfig, logger *observability.Logger) *Scanner {
	return &Scanner{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger.Component("continuum.scan"),
		now:    time.Now,
	}
}

// ScanOnce evaluates every active segment once and returns how many timeout
// events fired.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	candidates, err := s.store.ScanCandidates(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	fired := 0
	for _, cand := range candidates {
		idle, localHour, due := s.evaluate(cand, now)
		if !due {
			continue
		}
		s.bus.Publish(ctx, models.SegmentTimeoutEvent{
			ContinuumID:      cand.ContinuumID,
			UserID:           cand.UserID,
			SegmentID:        cand.SegmentID,
			InactiveDuration: idle,
			LocalHour:        localHour,
		})
		fired++
	}
	if fired > 0 {
		s.logger.WithContext(ctx).Info("segment timeouts fired",
			"candidates", len(candidates), "fired", fired)
	}
	return fired, nil
}

// evaluate computes the candidate's idle time against the threshold for the
// user's local hour. A postpone deadline acts as a virtual last message: the
// idle clock restarts from it.
func (s *Scanner) evaluate(cand ScanCandidate, now time.Time) (time.Duration, int, bool) {
	last := cand.LastActiveAt
	if p := cand.CollapsePostponedUntil; p != nil && p.After(last) {
		last = *p
	}

	idle := now.Sub(last)
	localHour := now.In(s.location(cand.Timezone)).Hour()
	if idle < 0 {
		// Postponed into the future; nothing to do yet.
		return idle, localHour, false
	}
	return idle, localHour, idle >= s.cfg.TimeoutForHour(localHour)
}

// location resolves the user's zone, falling back to the service default.
func (s *Scanner) location(tz string) *time.Location {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return s.cfg.Location()
}
