package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/pkg/models"
)

func TestRefinementEligible(t *testing.T) {
	cfg := config.Default().Memory
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	longText := strings.Repeat("x", cfg.VerboseThresholdChars)
	recentRefine := now.AddDate(0, 0, -cfg.RefinementCooldownDays+1)
	staleRefine := now.AddDate(0, 0, -cfg.RefinementCooldownDays-1)

	eligible := func() *models.Memory {
		return &models.Memory{
			ID:              "m-1",
			Text:            longText,
			ImportanceScore: 0.5,
			AccessCount:     cfg.MinAccessForRefinement,
			CreatedAt:       now.AddDate(0, 0, -cfg.MinAgeDaysForRefine-1),
		}
	}

	tests := []struct {
		name   string
		mutate func(*models.Memory)
		ok     bool
		reason string
	}{
		{"all conditions met", func(m *models.Memory) {}, true, ""},
		{"archived", func(m *models.Memory) { m.IsArchived = true }, false, "archived"},
		{"cold storage", func(m *models.Memory) { m.ImportanceScore = 0 }, false, "cold storage"},
		{"short text", func(m *models.Memory) { m.Text = "short" }, false, "below verbose threshold"},
		{"rarely accessed", func(m *models.Memory) { m.AccessCount = cfg.MinAccessForRefinement - 1 }, false, "insufficient access"},
		{"too new", func(m *models.Memory) { m.CreatedAt = now.AddDate(0, 0, -1) }, false, "too recent"},
		{"inside cooldown", func(m *models.Memory) { m.LastRefinedAt = &recentRefine }, false, "inside refinement cooldown"},
		{"cooldown elapsed", func(m *models.Memory) { m.LastRefinedAt = &staleRefine }, true, ""},
		{"rejection cap", func(m *models.Memory) { m.RefinementRejectionCount = cfg.MaxRejectionCount }, false, "rejection cap reached"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := eligible()
			tt.mutate(m)
			ok, reason := refinementEligible(m, cfg, now)
			if ok != tt.ok {
				t.Errorf("eligible = %v, want %v (reason %q)", ok, tt.ok, reason)
			}
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestParseRefinementDecision(t *testing.T) {
	t.Run("trim", func(t *testing.T) {
		d, err := parseRefinementDecision(`{"action": "trim", "text": "tighter", "reasoning": "filler"}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if d.Action != RefineTrim || d.Text != "tighter" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("split", func(t *testing.T) {
		d, err := parseRefinementDecision(
			`{"action": "split", "memories": [{"text": "fact one", "importance_score": 0.6}, {"text": "fact two"}]}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if d.Action != RefineSplit || len(d.Memories) != 2 {
			t.Fatalf("decision = %+v", d)
		}
		if d.Memories[0].ImportanceScore != 0.6 || d.Memories[1].Text != "fact two" {
			t.Errorf("pieces = %+v", d.Memories)
		}
	})

	t.Run("do nothing", func(t *testing.T) {
		d, err := parseRefinementDecision(`{"action": "do_nothing", "reasoning": "already tight"}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if d.Action != RefineDoNothing {
			t.Errorf("action = %q", d.Action)
		}
	})

	t.Run("prose wrapped", func(t *testing.T) {
		d, err := parseRefinementDecision("Here you go:\n{\"action\": \"trim\", \"text\": \"t\"}\nDone.")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if d.Action != RefineTrim {
			t.Errorf("action = %q", d.Action)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		if _, err := parseRefinementDecision(`{"action": "rewrite"}`); err == nil {
			t.Error("want error for unknown action")
		}
	})

	t.Run("no json", func(t *testing.T) {
		if _, err := parseRefinementDecision("cannot comply"); err == nil {
			t.Error("want error for non-JSON output")
		}
	})
}

func TestPieceImportance(t *testing.T) {
	tests := []struct {
		piece    float64
		fallback float64
		want     float64
	}{
		{0.7, 0.4, 0.7},
		{0, 0.4, 0.4},
		{-1, 0.4, 0.4},
		{1.5, 0.4, 1.0},
	}
	for _, tt := range tests {
		if got := pieceImportance(tt.piece, tt.fallback); got != tt.want {
			t.Errorf("pieceImportance(%v, %v) = %v, want %v", tt.piece, tt.fallback, got, tt.want)
		}
	}
}
