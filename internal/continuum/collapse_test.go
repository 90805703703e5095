package continuum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/pkg/models"
)

const (
	setUserSQL   = "SELECT set_config('app.current_user_id', $1, false)"
	clearUserSQL = "SELECT set_config('app.current_user_id', '', false)"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	client := postgres.NewClient(db, "mira_service", observability.NewTestLogger(nil))
	return NewStore(client, observability.NewTestLogger(nil)), mock
}

func userCtx(userID string) context.Context {
	return observability.AddUserID(context.Background(), userID)
}

func messageRows(t *testing.T, msgs ...models.Message) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{"id", "role", "content", "metadata", "created_at"})
	for _, m := range msgs {
		content, metadata, err := encodeMessage(m)
		if err != nil {
			t.Fatal(err)
		}
		rows.AddRow(m.ID, string(m.Role), content, metadata, m.CreatedAt)
	}
	return rows
}

func expectUserSet(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectExec(setUserSQL).WithArgs(userID).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUserClear(mock sqlmock.Sqlmock) {
	mock.ExpectExec(clearUserSQL).WillReturnResult(sqlmock.NewResult(0, 0))
}

type fakeSummarizer struct {
	summary *Summary
	err     error
	calls   int
}

func (f *fakeSummarizer) GenerateSummary(context.Context, []models.Message, []string) (*Summary, error) {
	f.calls++
	return f.summary, f.err
}

type fakeEmbedder struct {
	texts []string
	err   error
}

func (f *fakeEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, models.EmbeddingDim)
	vec[0] = 1
	return vec, nil
}

type fakeExtraction struct {
	segments []string
	counts   []int
}

func (f *fakeExtraction) SubmitSegmentExtraction(_ context.Context, segmentID string, messages []models.Message) (string, error) {
	f.segments = append(f.segments, segmentID)
	f.counts = append(f.counts, len(messages))
	return "batch-1", nil
}

type eventRecorder struct {
	collapsed []models.SegmentCollapsedEvent
	manifests []models.ManifestUpdatedEvent
}

func (r *eventRecorder) subscribe(bus *events.Bus) {
	bus.Subscribe(models.EventSegmentCollapsed, func(_ context.Context, evt events.Event) {
		if e, ok := evt.(models.SegmentCollapsedEvent); ok {
			r.collapsed = append(r.collapsed, e)
		}
	})
	bus.Subscribe(models.EventManifestUpdated, func(_ context.Context, evt events.Event) {
		if e, ok := evt.(models.ManifestUpdatedEvent); ok {
			r.manifests = append(r.manifests, e)
		}
	})
}

func collapseFixture(t *testing.T, summarizer SummaryGenerator) (*Collapser, sqlmock.Sqlmock, *fakeEmbedder, *fakeExtraction, *eventRecorder) {
	t.Helper()
	store, mock := newMockStore(t)
	bus := events.NewBus(observability.NewTestLogger(nil))
	recorder := &eventRecorder{}
	recorder.subscribe(bus)
	embedder := &fakeEmbedder{}
	extraction := &fakeExtraction{}

	c := NewCollapser(CollapserOptions{
		Store:      store,
		Summarizer: summarizer,
		Embedder:   embedder,
		Extraction: extraction,
		Bus:        bus,
		Logger:     observability.NewTestLogger(nil),
	})
	c.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return c, mock, embedder, extraction, recorder
}

func expectSegmentLoad(t *testing.T, mock sqlmock.Sqlmock, sentinel models.Message, tail ...models.Message) {
	t.Helper()
	expectUserSet(mock, "u-1")
	mock.ExpectQuery(sentinelBySegmentSQL).WithArgs("c-1", sentinel.SegmentID()).
		WillReturnRows(messageRows(t, sentinel))
	expectUserClear(mock)

	expectUserSet(mock, "u-1")
	mock.ExpectQuery(segmentTailSQL).WithArgs("c-1", sentinel.SegmentID()).
		WillReturnRows(messageRows(t, tail...))
	expectUserClear(mock)
}

func expectCollapseWrite(mock sqlmock.Sqlmock, sentinelID string) {
	expectUserSet(mock, "u-1")
	mock.ExpectExec(collapseSentinelSQL).
		WithArgs(sentinelID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectUserClear(mock)
}

func TestCollapseSegmentHappyPath(t *testing.T) {
	summarizer := &fakeSummarizer{summary: &Summary{
		Synopsis:     "Test summary",
		DisplayTitle: "Quick exchange",
		Complexity:   1,
	}}
	c, mock, embedder, extraction, recorder := collapseFixture(t, summarizer)

	sentinel := models.NewSegmentSentinel()
	tail := segmentMessages(t, "hello", "hi there", "thanks")
	expectSegmentLoad(t, mock, sentinel, tail...)
	expectCollapseWrite(mock, sentinel.ID)

	if err := c.CollapseSegment(userCtx("u-1"), "c-1", sentinel.SegmentID()); err != nil {
		t.Fatalf("CollapseSegment: %v", err)
	}

	if len(recorder.collapsed) != 1 {
		t.Fatalf("collapsed events = %d, want 1", len(recorder.collapsed))
	}
	evt := recorder.collapsed[0]
	if evt.Summary != "Test summary" || evt.DisplayTitle != "Quick exchange" || evt.Complexity != 1 {
		t.Errorf("event = %+v", evt)
	}
	if evt.SegmentID != sentinel.SegmentID() || evt.UserID != "u-1" {
		t.Errorf("event ids = %s/%s", evt.SegmentID, evt.UserID)
	}
	if len(recorder.manifests) != 1 || recorder.manifests[0].Reason != "segment_collapsed" {
		t.Errorf("manifest events = %+v", recorder.manifests)
	}

	if len(embedder.texts) != 1 || embedder.texts[0] != "Test summary" {
		t.Errorf("embedded texts = %v", embedder.texts)
	}
	if len(extraction.segments) != 1 || extraction.segments[0] != sentinel.SegmentID() {
		t.Errorf("extraction segments = %v", extraction.segments)
	}
	if extraction.counts[0] != 3 {
		t.Errorf("extraction message count = %d, want 3", extraction.counts[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCollapseSegmentTombstoneOnMissingTitle(t *testing.T) {
	summarizer := &fakeSummarizer{err: ErrNoDisplayTitle}
	c, mock, embedder, extraction, recorder := collapseFixture(t, summarizer)

	sentinel := models.NewSegmentSentinel()
	tail := segmentMessages(t, "hello", "hi")
	expectSegmentLoad(t, mock, sentinel, tail...)
	expectCollapseWrite(mock, sentinel.ID)

	if err := c.CollapseSegment(userCtx("u-1"), "c-1", sentinel.SegmentID()); err != nil {
		t.Fatalf("CollapseSegment: %v", err)
	}

	if len(recorder.collapsed) != 1 {
		t.Fatalf("collapsed events = %d, want 1", len(recorder.collapsed))
	}
	evt := recorder.collapsed[0]
	if evt.DisplayTitle != models.TombstoneTitle {
		t.Errorf("DisplayTitle = %q, want tombstone title", evt.DisplayTitle)
	}
	if evt.Summary != models.TombstoneContent {
		t.Errorf("Summary = %q, want tombstone content", evt.Summary)
	}
	if evt.Complexity != models.TombstoneComplexity {
		t.Errorf("Complexity = %d, want %d", evt.Complexity, models.TombstoneComplexity)
	}
	if len(embedder.texts) != 1 || embedder.texts[0] != models.TombstoneContent {
		t.Errorf("embedded texts = %v", embedder.texts)
	}
	if len(extraction.segments) != 1 {
		t.Error("tombstoned segment was not submitted for extraction")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCollapseSegmentEmptyAborts(t *testing.T) {
	summarizer := &fakeSummarizer{}
	c, mock, embedder, extraction, recorder := collapseFixture(t, summarizer)

	sentinel := models.NewSegmentSentinel()
	notification, err := models.NewMessage(models.RoleUser,
		models.MessageContent{models.TextBlock("Reminder fired")},
		map[string]any{models.MetaNotification: true})
	if err != nil {
		t.Fatal(err)
	}
	// Only a notification follows the sentinel: nothing substantive.
	expectSegmentLoad(t, mock, sentinel, notification)

	err = c.CollapseSegment(userCtx("u-1"), "c-1", sentinel.SegmentID())
	if !errors.Is(err, ErrEmptySegment) {
		t.Fatalf("err = %v, want ErrEmptySegment", err)
	}

	if summarizer.calls != 0 {
		t.Error("summarizer called for empty segment")
	}
	if len(embedder.texts) != 0 {
		t.Error("embedder called for empty segment")
	}
	if len(extraction.segments) != 0 {
		t.Error("extraction submitted for empty segment")
	}
	if len(recorder.collapsed)+len(recorder.manifests) != 0 {
		t.Error("events published for aborted collapse")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCollapseSegmentAlreadyCollapsedIsNoOp(t *testing.T) {
	summarizer := &fakeSummarizer{}
	c, mock, _, extraction, recorder := collapseFixture(t, summarizer)

	sentinel := models.NewSegmentSentinel()
	collapsed := models.CollapseSentinel(sentinel, "Done already.", "Old talk", 1, nil, time.Now())

	expectUserSet(mock, "u-1")
	mock.ExpectQuery(sentinelBySegmentSQL).WithArgs("c-1", sentinel.SegmentID()).
		WillReturnRows(messageRows(t, collapsed))
	expectUserClear(mock)

	if err := c.CollapseSegment(userCtx("u-1"), "c-1", sentinel.SegmentID()); err != nil {
		t.Fatalf("CollapseSegment: %v", err)
	}
	if summarizer.calls != 0 || len(extraction.segments) != 0 || len(recorder.collapsed) != 0 {
		t.Error("no-op collapse did work")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// recordedTracer routes spans through an in-memory exporter so tests can
// assert on what got traced.
func recordedTracer(t *testing.T) (*observability.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{})
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	return tracer, exporter
}

func TestCollapseSegmentOpensSpan(t *testing.T) {
	tracer, exporter := recordedTracer(t)
	store, mock := newMockStore(t)
	c := NewCollapser(CollapserOptions{
		Store:      store,
		Summarizer: &fakeSummarizer{},
		Embedder:   &fakeEmbedder{},
		Bus:        events.NewBus(observability.NewTestLogger(nil)),
		Logger:     observability.NewTestLogger(nil),
		Tracer:     tracer,
	})

	sentinel := models.NewSegmentSentinel()
	collapsed := models.CollapseSentinel(sentinel, "Done already.", "Old talk", 1, nil, time.Now())
	expectUserSet(mock, "u-1")
	mock.ExpectQuery(sentinelBySegmentSQL).WithArgs("c-1", sentinel.SegmentID()).
		WillReturnRows(messageRows(t, collapsed))
	expectUserClear(mock)

	if err := c.CollapseSegment(userCtx("u-1"), "c-1", sentinel.SegmentID()); err != nil {
		t.Fatalf("CollapseSegment: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "segment_collapse" {
		t.Errorf("span name = %q, want segment_collapse", spans[0].Name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCollapseSegmentSummaryFailureKeepsSentinelActive(t *testing.T) {
	summarizer := &fakeSummarizer{err: errors.New("model unreachable")}
	c, mock, embedder, extraction, recorder := collapseFixture(t, summarizer)

	sentinel := models.NewSegmentSentinel()
	expectSegmentLoad(t, mock, sentinel, segmentMessages(t, "hello", "hi")...)

	err := c.CollapseSegment(userCtx("u-1"), "c-1", sentinel.SegmentID())
	if err == nil {
		t.Fatal("summary failure did not surface")
	}
	if len(embedder.texts)+len(extraction.segments)+len(recorder.collapsed) != 0 {
		t.Error("failed collapse had side effects")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleTimeoutCollapsesViaBus(t *testing.T) {
	summarizer := &fakeSummarizer{summary: &Summary{
		Synopsis:     "Summary via timeout",
		DisplayTitle: "Idle segment",
		Complexity:   2,
	}}
	c, mock, _, _, recorder := collapseFixture(t, summarizer)

	bus := events.NewBus(observability.NewTestLogger(nil))
	c.Subscribe(bus)

	sentinel := models.NewSegmentSentinel()
	expectSegmentLoad(t, mock, sentinel, segmentMessages(t, "hello", "hi")...)
	expectCollapseWrite(mock, sentinel.ID)

	bus.Publish(context.Background(), models.SegmentTimeoutEvent{
		ContinuumID:      "c-1",
		UserID:           "u-1",
		SegmentID:        sentinel.SegmentID(),
		InactiveDuration: time.Hour,
		LocalHour:        14,
	})

	if len(recorder.collapsed) != 1 {
		t.Fatalf("collapsed events = %d, want 1", len(recorder.collapsed))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
