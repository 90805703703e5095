package continuum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// ErrEmptySegment reports a collapse attempt against a segment with no
// substantive turns. The sentinel stays active and no events fire.
var ErrEmptySegment = errors.New("segment has no messages to collapse")

// Embedder produces the synopsis embedding persisted on the sentinel.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ExtractionSubmitter hands the collapsed segment's turns to LT-memory.
type ExtractionSubmitter interface {
	SubmitSegmentExtraction(ctx context.Context, segmentID string, messages []models.Message) (string, error)
}

// CollapserOptions wires the collapse pipeline.
type CollapserOptions struct {
	Store      *Store
	Manager    *Manager
	Summarizer SummaryGenerator
	Embedder   Embedder
	Extraction ExtractionSubmitter
	Bus        *events.Bus
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Collapser turns inactive segments into summarized synopses. The sequence
// for one segment: load its turns, summarize (tombstone when the summarizer
// yields no title), embed the synopsis, swap the sentinel in place, publish
// the collapse, and submit the turns for memory extraction. Summary and
// embedding failures leave the sentinel active for the next scan.
type Collapser struct {
	store      *Store
	manager    *Manager
	summarizer SummaryGenerator
	embedder   Embedder
	extraction ExtractionSubmitter
	bus        *events.Bus
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time
}

// NewCollapser builds the collapse pipeline. Manager and Extraction may be
// nil; the hot cache then refreshes on next hydration and extraction is
// skipped.
func NewCollapser(opts CollapserOptions) *Collapser {
	return &Collapser{
		store:      opts.Store,
		manager:    opts.Manager,
		summarizer: opts.Summarizer,
		embedder:   opts.Embedder,
		extraction: opts.Extraction,
		bus:        opts.Bus,
		logger:     opts.Logger.Component("continuum.collapse"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		now:        time.Now,
	}
}

// Subscribe registers the collapser on segment timeout events.
func (c *Collapser) Subscribe(bus *events.Bus) {
	bus.Subscribe(models.EventSegmentTimeout, c.handleTimeout)
}

func (c *Collapser) handleTimeout(ctx context.Context, evt events.Event) {
	timeout, ok := evt.(models.SegmentTimeoutEvent)
	if !ok {
		return
	}
	ctx = observability.AddUserID(ctx, timeout.UserID)
	ctx = observability.AddContinuumID(ctx, timeout.ContinuumID)
	err := c.CollapseSegment(ctx, timeout.ContinuumID, timeout.SegmentID)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptySegment):
		c.logger.WithContext(ctx).Debug("skipped collapse of empty segment",
			"segment_id", timeout.SegmentID)
	default:
		c.logger.WithContext(ctx).Error("segment collapse failed",
			"segment_id", timeout.SegmentID, "error", err)
	}
}

// CollapseSegment runs the collapse sequence for one segment. Collapsing a
// segment that is no longer active is a no-op, so replayed timeout events
// and racing workers are harmless.
func (c *Collapser) CollapseSegment(ctx context.Context, continuumID, segmentID string) error {
	start := c.now()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.TraceCollapse(ctx, segmentID)
		defer span.End()
	}

	sentinel, err := c.store.SentinelBySegment(ctx, continuumID, segmentID)
	if err != nil {
		return err
	}
	if !sentinel.IsActiveSentinel() {
		c.logger.WithContext(ctx).Debug("segment already collapsed", "segment_id", segmentID)
		return nil
	}

	segMsgs, err := c.store.SegmentMessages(ctx, continuumID, segmentID)
	if err != nil {
		return err
	}
	substantive := substantiveMessages(segMsgs)
	if len(substantive) == 0 {
		c.countOutcome("aborted")
		return fmt.Errorf("%w: %s", ErrEmptySegment, segmentID)
	}

	toolsUsed := collectToolsUsed(sentinel, substantive)

	outcome := "summarized"
	summary, err := c.summarizer.GenerateSummary(ctx, substantive, toolsUsed)
	switch {
	case errors.Is(err, ErrNoDisplayTitle):
		outcome = "tombstone"
		summary = &Summary{
			Synopsis:     models.TombstoneContent,
			DisplayTitle: models.TombstoneTitle,
			Complexity:   models.TombstoneComplexity,
		}
		c.logger.WithContext(ctx).Warn("summarizer yielded no title, archiving segment as tombstone",
			"segment_id", segmentID)
	case err != nil:
		return fmt.Errorf("summarize segment %s: %w", segmentID, err)
	}

	embedding, err := c.embedder.GenerateEmbedding(ctx, summary.Synopsis)
	if err != nil {
		return fmt.Errorf("embed synopsis for segment %s: %w", segmentID, err)
	}

	collapsed := models.CollapseSentinel(sentinel,
		summary.Synopsis, summary.DisplayTitle, summary.Complexity, toolsUsed, c.now())
	if err := c.store.CollapseSentinel(ctx, collapsed, embedding); err != nil {
		if errors.Is(err, ErrSegmentNotActive) {
			c.logger.WithContext(ctx).Debug("segment collapsed concurrently", "segment_id", segmentID)
			return nil
		}
		return err
	}

	if c.manager != nil {
		c.manager.ApplyCollapse(continuumID, collapsed)
	}

	userID := observability.GetUserID(ctx)
	c.bus.Publish(ctx, models.SegmentCollapsedEvent{
		ContinuumID:  continuumID,
		UserID:       userID,
		SegmentID:    segmentID,
		Summary:      summary.Synopsis,
		DisplayTitle: summary.DisplayTitle,
		Complexity:   summary.Complexity,
		ToolsUsed:    toolsUsed,
	})
	c.bus.Publish(ctx, models.ManifestUpdatedEvent{
		ContinuumID: continuumID,
		UserID:      userID,
		Reason:      "segment_collapsed",
	})

	if c.extraction != nil {
		if _, err := c.extraction.SubmitSegmentExtraction(ctx, segmentID, substantive); err != nil {
			// The collapse already stands; extraction has its own retry
			// surface through the batch tables.
			c.logger.WithContext(ctx).Error("segment extraction submit failed",
				"segment_id", segmentID, "error", err)
		}
	}

	c.countOutcome(outcome)
	if c.metrics != nil {
		c.metrics.CollapseDuration.Observe(c.now().Sub(start).Seconds())
	}
	c.logger.WithContext(ctx).Info("segment collapsed",
		"segment_id", segmentID,
		"outcome", outcome,
		"title", summary.DisplayTitle,
		"complexity", summary.Complexity,
		"messages", len(substantive))
	return nil
}

func (c *Collapser) countOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.SegmentsCollapsed.WithLabelValues(outcome).Inc()
	}
}

// substantiveMessages drops notifications; they carry operational noise, not
// conversation.
func substantiveMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsNotification() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// collectToolsUsed unions the sentinel's recorded tools with per-turn tool
// annotations, preserving first-seen order.
func collectToolsUsed(sentinel models.Message, msgs []models.Message) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	add(sentinel.MetaStrings(models.MetaToolsUsed))
	for _, m := range msgs {
		add(m.MetaStrings(models.MetaToolsUsed))
	}
	return out
}
