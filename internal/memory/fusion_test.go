package memory

import (
	"math"
	"testing"

	"github.com/mirahq/mira/pkg/models"
)

func TestIntentWeights(t *testing.T) {
	tests := []struct {
		intent models.SearchIntent
		bm25   float64
		vector float64
	}{
		{models.IntentRecall, 0.6, 0.4},
		{models.IntentExplore, 0.3, 0.7},
		{models.IntentExact, 0.8, 0.2},
		{models.IntentGeneral, 0.4, 0.6},
		{models.SearchIntent("unheard-of"), 0.4, 0.6},
	}
	for _, tt := range tests {
		w := intentWeights(tt.intent)
		if w.BM25 != tt.bm25 || w.Vector != tt.vector {
			t.Errorf("intentWeights(%q) = %+v, want {%v %v}", tt.intent, w, tt.bm25, tt.vector)
		}
	}
}

func TestRRFFuse(t *testing.T) {
	w := legWeights{BM25: 0.4, Vector: 0.6}
	scores := rrfFuse(
		[]string{"a", "b"},
		[]string{"b", "c"},
		w, 60,
	)

	want := map[string]float64{
		"a": 0.4 / 61,
		"b": 0.4/62 + 0.6/61,
		"c": 0.6 / 62,
	}
	if len(scores) != len(want) {
		t.Fatalf("got %d ids, want %d", len(scores), len(want))
	}
	for id, wantScore := range want {
		if got := scores[id]; math.Abs(got-wantScore) > 1e-12 {
			t.Errorf("score[%s] = %v, want %v", id, got, wantScore)
		}
	}
}

func TestSigmoidNormalize(t *testing.T) {
	if got := sigmoidNormalize(0.009); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("sigmoid at midpoint = %v, want 0.5", got)
	}
	if got := sigmoidNormalize(0.016); got < 0.99 {
		t.Errorf("sigmoid at strong score = %v, want near 1", got)
	}
	if got := sigmoidNormalize(0.002); got > 0.01 {
		t.Errorf("sigmoid at weak score = %v, want near 0", got)
	}

	last := -1.0
	for _, raw := range []float64{0.003, 0.007, 0.009, 0.011, 0.015} {
		got := sigmoidNormalize(raw)
		if got <= last {
			t.Fatalf("sigmoid not monotonic at %v: %v <= %v", raw, got, last)
		}
		last = got
	}
}

func TestFuseResults(t *testing.T) {
	// b appears in both legs; the vector copy carries the embedding and
	// must survive fusion.
	lexB := &models.Memory{ID: "b", Text: "lexical copy"}
	vecB := &models.Memory{ID: "b", Text: "vector copy", Embedding: []float32{0.1}}
	a := &models.Memory{ID: "a"}
	c := &models.Memory{ID: "c"}

	out := fuseResults(
		[]*models.Memory{a, lexB},
		[]*models.Memory{vecB, c},
		models.IntentGeneral, 60,
	)
	if len(out) != 3 {
		t.Fatalf("got %d results, want 3", len(out))
	}

	// b is ranked in both legs, so it must come first.
	if out[0].ID != "b" {
		t.Errorf("top result = %s, want b", out[0].ID)
	}
	if len(out[0].Embedding) == 0 {
		t.Error("fusion dropped the vector-leg copy of the duplicate")
	}
	// General intent favors the vector leg: c (vector rank 2) beats a
	// (bm25 rank 1) since 0.6/62 > 0.4/61.
	if out[1].ID != "c" || out[2].ID != "a" {
		t.Errorf("order = [%s %s %s], want [b c a]", out[0].ID, out[1].ID, out[2].ID)
	}

	for _, m := range out {
		if m.RawScore <= 0 {
			t.Errorf("memory %s: raw score not set", m.ID)
		}
		if m.SimilarityScore <= 0 || m.SimilarityScore >= 1 {
			t.Errorf("memory %s: normalized score %v outside (0,1)", m.ID, m.SimilarityScore)
		}
	}
}

func TestSortByScoreTieBreak(t *testing.T) {
	memories := []*models.Memory{
		{ID: "z", SimilarityScore: 0.5},
		{ID: "a", SimilarityScore: 0.5},
		{ID: "m", SimilarityScore: 0.9},
	}
	sortByScore(memories)
	if memories[0].ID != "m" || memories[1].ID != "a" || memories[2].ID != "z" {
		t.Errorf("order = [%s %s %s], want [m a z]",
			memories[0].ID, memories[1].ID, memories[2].ID)
	}
}
