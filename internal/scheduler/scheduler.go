// Package scheduler runs the background workers: the segment timeout scan,
// the extraction batch poller, the daily memory refinement pass, the defense
// probe and the keyspace expiry listener. Workers check the shared context
// between units of work; in-flight LLM calls are never force-killed, they
// finish or time out on their own.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// probeInterval paces the injection-defense health probe.
const probeInterval = 5 * time.Minute

// SegmentScanner finds idle segments. *continuum.Scanner satisfies this.
type SegmentScanner interface {
	ScanOnce(ctx context.Context) (int, error)
}

// BatchPoller advances open provider batches.
// *memory.ExtractionOrchestrator satisfies this.
type BatchPoller interface {
	PollOnce(ctx context.Context) error
}

// Refiner runs the per-user verbose-memory pass. *memory.Refiner satisfies
// this.
type Refiner interface {
	IdentifyVerboseMemories(ctx context.Context) ([]models.RefinementCandidate, error)
	RefineVerboseMemory(ctx context.Context, memoryID string) (*memory.RefinementOutcome, error)
}

// ConsolidationSubmitter queues a consolidation batch for the ambient user.
// *memory.ExtractionOrchestrator satisfies this.
type ConsolidationSubmitter interface {
	SubmitConsolidationBatch(ctx context.Context) (string, error)
}

// DefenseProber re-tests a degraded injection classifier.
// *security.Defense satisfies this.
type DefenseProber interface {
	Probe(ctx context.Context) error
	Degraded() bool
}

// UserLister enumerates users for the per-user sweeps. *continuum.Store
// satisfies this.
type UserLister interface {
	UserIDs(ctx context.Context) ([]string, error)
}

// ExpiryStarter owns the Valkey keyspace subscription.
// *valkey.Client satisfies this.
type ExpiryStarter interface {
	StartExpiryListener(ctx context.Context) error
}

// Options wires the scheduler's workers. Scanner and Poller are required;
// everything else degrades to a skipped worker when nil.
type Options struct {
	Scanner SegmentScanner
	Poller  BatchPoller

	Refiner       Refiner
	Consolidation ConsolidationSubmitter
	Users         UserLister
	Defense       DefenseProber
	Expiry        ExpiryStarter

	Config config.SchedulerConfig
	Logger *observability.Logger
}

// Scheduler owns the background worker goroutines.
type Scheduler struct {
	scanner       SegmentScanner
	poller        BatchPoller
	refiner       Refiner
	consolidation ConsolidationSubmitter
	users         UserLister
	defense       DefenseProber
	expiry        ExpiryStarter

	cfg        config.SchedulerConfig
	refineCron cron.Schedule
	monitor    *Monitor
	logger     *observability.Logger
	now        func() time.Time

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New builds the scheduler and validates the refinement cron expression up
// front, so a config typo fails at startup rather than at 3am.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Scanner == nil:
		return nil, errors.New("scheduler: segment scanner is required")
	case opts.Poller == nil:
		return nil, errors.New("scheduler: batch poller is required")
	case opts.Logger == nil:
		return nil, errors.New("scheduler: logger is required")
	}
	if opts.Refiner != nil && opts.Users == nil {
		return nil, errors.New("scheduler: refiner requires a user lister")
	}

	schedule, err := cron.ParseStandard(opts.Config.RefinementCron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: refinement cron %q: %w", opts.Config.RefinementCron, err)
	}

	logger := opts.Logger.Component("scheduler")
	return &Scheduler{
		scanner:       opts.Scanner,
		poller:        opts.Poller,
		refiner:       opts.Refiner,
		consolidation: opts.Consolidation,
		users:         opts.Users,
		defense:       opts.Defense,
		expiry:        opts.Expiry,
		cfg:           opts.Config,
		refineCron:    schedule,
		monitor:       NewMonitor(opts.Config, opts.Logger),
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Start launches every worker. It returns an error only when the expiry
// listener cannot subscribe; worker failures after that are logged, not
// fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.expiry != nil {
		if err := s.expiry.StartExpiryListener(ctx); err != nil {
			return fmt.Errorf("scheduler: expiry listener: %w", err)
		}
	}
	s.monitor.Start(ctx, &s.wg)

	s.runEvery(ctx, "segment_scan", s.cfg.ScanInterval, s.scanTick)
	s.runEvery(ctx, "batch_poll", s.cfg.BatchPollInterval, s.pollTick)
	if s.defense != nil {
		s.runEvery(ctx, "defense_probe", probeInterval, s.probeTick)
	}
	if s.refiner != nil {
		s.runDaily(ctx)
	}

	s.logger.Info("background workers started",
		"scan_interval", s.cfg.ScanInterval,
		"batch_poll_interval", s.cfg.BatchPollInterval,
		"refinement_cron", s.cfg.RefinementCron,
	)
	return nil
}

// Stop waits for the workers to drain or the context to give up.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runEvery(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		s.logger.Warn("worker disabled by non-positive interval", "worker", name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

// runDaily sleeps until the next cron fire time, runs the refinement pass,
// and repeats. Computing the next fire after each run keeps the loop aligned
// through DST shifts.
func (s *Scheduler) runDaily(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next := s.refineCron.Next(s.now())
			timer := time.NewTimer(next.Sub(s.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.RunRefinementPass(ctx)
			}
		}
	}()
}

func (s *Scheduler) scanTick(ctx context.Context) {
	done := s.monitor.Track("segment_scan")
	defer done()
	if _, err := s.scanner.ScanOnce(ctx); err != nil {
		s.logger.WithContext(ctx).Error("segment scan failed", "error", err)
	}
}

func (s *Scheduler) pollTick(ctx context.Context) {
	done := s.monitor.Track("batch_poll")
	defer done()
	if err := s.poller.PollOnce(ctx); err != nil {
		s.logger.WithContext(ctx).Error("batch poll failed", "error", err)
	}
}

// probeTick re-tests the classifier only while degraded; a healthy defense
// probes itself on real traffic.
func (s *Scheduler) probeTick(ctx context.Context) {
	if !s.defense.Degraded() {
		return
	}
	if err := s.defense.Probe(ctx); err != nil {
		s.logger.WithContext(ctx).Warn("injection classifier still degraded", "error", err)
		return
	}
	s.logger.WithContext(ctx).Info("injection classifier recovered")
}

// RunRefinementPass sweeps every user once: identify verbose memories,
// refine them synchronously, then queue a consolidation batch. The shutdown
// signal is honored between users and between memories, never mid-call.
func (s *Scheduler) RunRefinementPass(ctx context.Context) {
	done := s.monitor.Track("refinement_analysis")
	defer done()

	userIDs, err := s.users.UserIDs(ctx)
	if err != nil {
		s.logger.WithContext(ctx).Error("refinement pass: list users", "error", err)
		return
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		s.refineUser(observability.AddUserID(ctx, userID))
	}
}

func (s *Scheduler) refineUser(ctx context.Context) {
	log := s.logger.WithContext(ctx)

	candidates, err := s.refiner.IdentifyVerboseMemories(ctx)
	if err != nil {
		log.Error("refinement pass: identify candidates", "error", err)
		return
	}
	log.Info("refinement candidates identified", "count", len(candidates))

	refined := 0
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.refiner.RefineVerboseMemory(ctx, cand.MemoryID)
		if err != nil {
			log.Warn("refinement failed", "memory_id", cand.MemoryID, "error", err)
			continue
		}
		if outcome.Action != memory.RefineDoNothing {
			refined++
		}
	}
	if refined > 0 {
		log.Info("memories refined", "refined", refined, "candidates", len(candidates))
	}

	if s.consolidation == nil {
		return
	}
	batchID, err := s.consolidation.SubmitConsolidationBatch(ctx)
	switch {
	case errors.Is(err, memory.ErrNoBatchProvider):
		// No provider configured; consolidation rides on the sync path only.
	case err != nil:
		log.Warn("consolidation batch not submitted", "error", err)
	case batchID != "":
		log.Info("consolidation batch queued", "batch_id", batchID)
	}
}
