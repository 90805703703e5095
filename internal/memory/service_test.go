package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/postgres"
	"github.com/mirahq/mira/pkg/models"
)

type fakeEmbedder struct {
	dim        int
	calls      int
	batchCalls int
	err        error
	batchWidth int // overrides len(texts) in batch replies when > 0
}

func (f *fakeEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, f.dim)
	vec[0] = float32(len(text))
	return vec, nil
}

func (f *fakeEmbedder) GenerateEmbeddingsBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.batchWidth > 0 {
		n = f.batchWidth
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type fakeReranker struct {
	indices []int
	err     error
	calls   int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, _ []string, _ int) ([]int, error) {
	f.calls++
	return f.indices, f.err
}

type fakeClassifier struct {
	response string
	err      error
}

func (f *fakeClassifier) CompleteJSON(_ context.Context, _, _ string, _ float64) (string, error) {
	return f.response, f.err
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Client == nil {
		db, _, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		opts.Client = postgres.NewClient(db, "mira_memory", observability.NewTestLogger(nil))
	}
	if opts.Embedder == nil {
		opts.Embedder = &fakeEmbedder{dim: models.EmbeddingDim}
	}
	if opts.Classifier == nil {
		opts.Classifier = &fakeClassifier{response: "{}"}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewTestLogger(nil)
	}
	if opts.Config.Dimension == 0 {
		opts.Config = config.Default().Memory
	}

	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceDimensionMismatch(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	_, err = NewService(Options{
		Client:     postgres.NewClient(db, "mira_memory", observability.NewTestLogger(nil)),
		Embedder:   &fakeEmbedder{dim: 512},
		Classifier: &fakeClassifier{},
		Config:     config.Default().Memory,
		Logger:     observability.NewTestLogger(nil),
	})
	if err == nil {
		t.Fatal("want dimension mismatch error")
	}
}

func TestNewServiceRequiredDeps(t *testing.T) {
	if _, err := NewService(Options{}); err == nil {
		t.Error("want error without client")
	}
}

func TestGenerateEmbeddingCachesRepeats(t *testing.T) {
	emb := &fakeEmbedder{dim: models.EmbeddingDim}
	svc := newTestService(t, Options{Embedder: emb})
	ctx := context.Background()

	if _, err := svc.GenerateEmbedding(ctx, "the same query"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if _, err := svc.GenerateEmbedding(ctx, "the same query"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
}

func TestGenerateEmbeddingRejectsEmpty(t *testing.T) {
	svc := newTestService(t, Options{})
	if _, err := svc.GenerateEmbedding(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestGenerateEmbeddingsBatchChecks(t *testing.T) {
	t.Run("empty item rejected", func(t *testing.T) {
		svc := newTestService(t, Options{})
		_, err := svc.GenerateEmbeddingsBatch(context.Background(), []string{"ok", ""})
		if !errors.Is(err, ErrEmptyText) {
			t.Errorf("err = %v, want ErrEmptyText", err)
		}
	})

	t.Run("count mismatch rejected", func(t *testing.T) {
		emb := &fakeEmbedder{dim: models.EmbeddingDim, batchWidth: 1}
		svc := newTestService(t, Options{Embedder: emb})
		if _, err := svc.GenerateEmbeddingsBatch(context.Background(), []string{"a", "b"}); err == nil {
			t.Error("want error when provider returns wrong count")
		}
	})

	t.Run("no texts is a no-op", func(t *testing.T) {
		emb := &fakeEmbedder{dim: models.EmbeddingDim}
		svc := newTestService(t, Options{Embedder: emb})
		vecs, err := svc.GenerateEmbeddingsBatch(context.Background(), nil)
		if err != nil || vecs != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", vecs, err)
		}
		if emb.batchCalls != 0 {
			t.Errorf("provider called %d times for empty input", emb.batchCalls)
		}
	})
}

func TestFindSimilarByEmbeddingRejectsWrongWidth(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.FindSimilarByEmbedding(context.Background(), []float32{1, 2, 3}, "", 5, 0, 0)
	var dimErr *postgres.ErrWrongDimension
	if !errors.As(err, &dimErr) {
		t.Errorf("err = %v, want ErrWrongDimension", err)
	}
}

func memoriesNamed(names ...string) []*models.Memory {
	out := make([]*models.Memory, len(names))
	for i, n := range names {
		out[i] = &models.Memory{ID: n, Text: "about " + n}
	}
	return out
}

func TestRerankMemories(t *testing.T) {
	input := memoriesNamed("a", "b", "c", "d")

	tests := []struct {
		name     string
		reranker *fakeReranker
		topK     int
		want     []string
	}{
		{
			name:     "reorders by returned indices",
			reranker: &fakeReranker{indices: []int{2, 0}},
			topK:     2,
			want:     []string{"c", "a"},
		},
		{
			name:     "reranker error keeps input order",
			reranker: &fakeReranker{err: fmt.Errorf("rerank down")},
			topK:     3,
			want:     []string{"a", "b", "c"},
		},
		{
			name:     "invalid and duplicate indices skipped",
			reranker: &fakeReranker{indices: []int{9, -1, 1, 1, 3}},
			topK:     2,
			want:     []string{"b", "d"},
		},
		{
			name:     "empty reply falls back to input order",
			reranker: &fakeReranker{indices: []int{}},
			topK:     2,
			want:     []string{"a", "b"},
		},
		{
			name:     "topK zero means everything",
			reranker: &fakeReranker{indices: []int{3, 2, 1, 0}},
			topK:     0,
			want:     []string{"d", "c", "b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, Options{Reranker: tt.reranker})
			got := svc.RerankMemories(context.Background(), "query", input, tt.topK)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d results %v, want %v", len(got), memoryIDs(got), tt.want)
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Fatalf("order = %v, want %v", memoryIDs(got), tt.want)
				}
			}
		})
	}
}

func TestRerankMemoriesWithoutReranker(t *testing.T) {
	svc := newTestService(t, Options{})
	input := memoriesNamed("a", "b", "c")
	got := svc.RerankMemories(context.Background(), "query", input, 2)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("got %v, want input order truncated to 2", memoryIDs(got))
	}
}

func TestSearchDefaults(t *testing.T) {
	svc := newTestService(t, Options{})

	limit, thresh, minImp := svc.searchDefaults(0, 0, 0)
	if limit != 10 {
		t.Errorf("limit = %d, want 10", limit)
	}
	if thresh != svc.cfg.SimilarityThreshold {
		t.Errorf("threshold = %v, want config default", thresh)
	}
	if minImp != svc.cfg.MinImportance {
		t.Errorf("min importance = %v, want config default", minImp)
	}

	limit, thresh, minImp = svc.searchDefaults(25, 0.8, 0.2)
	if limit != 25 || thresh != 0.8 || minImp != 0.2 {
		t.Errorf("explicit values overridden: %d %v %v", limit, thresh, minImp)
	}
}

func TestNormalizeQuery(t *testing.T) {
	if got := normalizeQuery("  hello  "); got != "hello" {
		t.Errorf("normalizeQuery = %q", got)
	}
	// Combining e + acute accent folds to the precomposed form.
	if got := normalizeQuery("cafe\u0301"); got != "caf\u00e9" {
		t.Errorf("normalizeQuery = %q, want NFC form", got)
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

func TestHybridSearchOpensSpan(t *testing.T) {
	tracer, exporter := recordedTracer(t)
	svc := newTestService(t, Options{Tracer: tracer})

	// Blank query: the search returns empty without touching the store,
	// but the span still records the attempt.
	got, err := svc.HybridSearch(context.Background(), SearchParams{})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("results = %d, want 0", len(got))
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "hybrid_search" {
		t.Errorf("span name = %q, want hybrid_search", spans[0].Name)
	}
}
