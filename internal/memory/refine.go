package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// RefinementAction is the decision the refinement classifier makes for a
// verbose memory.
type RefinementAction string

const (
	RefineTrim      RefinementAction = "trim"
	RefineSplit     RefinementAction = "split"
	RefineDoNothing RefinementAction = "do_nothing"
)

// RefinementOutcome reports what a refinement pass did to one memory.
type RefinementOutcome struct {
	Action    RefinementAction
	NewIDs    []string
	Reasoning string
}

// verboseCandidateLimit bounds one refinement sweep.
const verboseCandidateLimit = 20

const refinementSystem = `You tighten verbose stored memories without losing facts. Respond with a single JSON object: {"action": "trim" | "split" | "do_nothing", "text": the rewritten memory when trimming, "memories": a list of {"text": ..., "importance_score": 0..1} when splitting into independent facts, "reasoning": one short sentence}. Trim when the memory is one fact padded with filler. Split when it bundles several unrelated facts. Do nothing when the length is justified.`

// Refiner trims and splits verbose memories based on classifier decisions.
type Refiner struct {
	svc    *Service
	logger *observability.Logger
	now    func() time.Time
}

func newRefiner(svc *Service) *Refiner {
	return &Refiner{
		svc:    svc,
		logger: svc.logger.Component("memory.refiner"),
		now:    time.Now,
	}
}

// IdentifyVerboseMemories lists refinement candidates for the ambient user:
// long, frequently accessed, old enough, outside the cooldown window and
// under the rejection cap.
func (r *Refiner) IdentifyVerboseMemories(ctx context.Context) ([]models.RefinementCandidate, error) {
	memories, err := r.svc.store.VerboseCandidates(ctx, r.now().UTC(), verboseCandidateLimit)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	out := make([]models.RefinementCandidate, 0, len(memories))
	for _, m := range memories {
		out = append(out, models.RefinementCandidate{
			MemoryID:    m.ID,
			TextLength:  len(m.Text),
			AccessCount: m.AccessCount,
			AgeDays:     int(now.Sub(m.CreatedAt).Hours() / 24),
			Reason:      "verbose",
		})
	}
	return out, nil
}

// RefineVerboseMemory runs one refinement decision. Trim replaces the
// memory with one tighter rewrite; split replaces it with two or more
// independent facts; do_nothing increments the rejection counter, which
// also restarts the cooldown.
func (r *Refiner) RefineVerboseMemory(ctx context.Context, memoryID string) (*RefinementOutcome, error) {
	m, err := r.svc.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if ok, reason := refinementEligible(m, r.svc.cfg, r.now().UTC()); !ok {
		// Stale candidate: state moved since identification. Not a
		// rejection, so the counter stays untouched.
		return &RefinementOutcome{Action: RefineDoNothing, Reasoning: reason}, nil
	}

	raw, err := r.svc.classifier.CompleteJSON(ctx, refinementSystem, refinementPrompt(m), 0.2)
	if err != nil {
		return nil, fmt.Errorf("memory: refinement decision: %w", err)
	}
	decision, err := parseRefinementDecision(raw)
	if err != nil {
		return nil, err
	}

	switch decision.Action {
	case RefineTrim:
		if strings.TrimSpace(decision.Text) == "" {
			return r.reject(ctx, m.ID, "trim decision carried no text")
		}
		newIDs, err := r.replaceWith(ctx, m, []models.ExtractedMemory{{
			Text:            decision.Text,
			ImportanceScore: m.ImportanceScore,
			Confidence:      m.Confidence,
			ExpiresAt:       m.ExpiresAt,
			HappensAt:       m.HappensAt,
		}})
		if err != nil {
			return nil, err
		}
		return &RefinementOutcome{Action: RefineTrim, NewIDs: newIDs, Reasoning: decision.Reasoning}, nil

	case RefineSplit:
		items := make([]models.ExtractedMemory, 0, len(decision.Memories))
		for _, piece := range decision.Memories {
			if strings.TrimSpace(piece.Text) == "" {
				continue
			}
			items = append(items, models.ExtractedMemory{
				Text:            piece.Text,
				ImportanceScore: pieceImportance(piece.ImportanceScore, m.ImportanceScore),
				Confidence:      m.Confidence,
			})
		}
		if len(items) < 2 {
			return r.reject(ctx, m.ID, "split decision carried fewer than two memories")
		}
		newIDs, err := r.replaceWith(ctx, m, items)
		if err != nil {
			return nil, err
		}
		return &RefinementOutcome{Action: RefineSplit, NewIDs: newIDs, Reasoning: decision.Reasoning}, nil

	case RefineDoNothing:
		return r.reject(ctx, m.ID, decision.Reasoning)

	default:
		return nil, fmt.Errorf("memory: unknown refinement action %q", decision.Action)
	}
}

// replaceWith stores the replacement memories as refined and archives the
// original.
func (r *Refiner) replaceWith(ctx context.Context, original *models.Memory, items []models.ExtractedMemory) ([]string, error) {
	newIDs, err := r.svc.storeWithSource(ctx, items, "refinement", true)
	if err != nil {
		return nil, err
	}
	if err := r.svc.store.ArchiveMemories(ctx, []string{original.ID}); err != nil {
		return nil, fmt.Errorf("memory: archive refined original %s: %w", original.ID, err)
	}
	r.logger.WithContext(ctx).Info("memory refined",
		"memory_id", original.ID, "replacements", len(newIDs))
	return newIDs, nil
}

func (r *Refiner) reject(ctx context.Context, memoryID, reasoning string) (*RefinementOutcome, error) {
	if err := r.svc.store.IncrementRejection(ctx, memoryID); err != nil {
		return nil, err
	}
	return &RefinementOutcome{Action: RefineDoNothing, Reasoning: reasoning}, nil
}

func refinementPrompt(m *models.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stored memory (%d characters, accessed %d times):\n%s\n",
		len(m.Text), m.AccessCount, m.Text)
	b.WriteString("\nDecide whether to trim, split, or leave this memory as is.")
	return b.String()
}

type refinementDecision struct {
	Action    RefinementAction
	Text      string
	Memories  []refinementPiece
	Reasoning string
}

type refinementPiece struct {
	Text            string  `json:"text"`
	ImportanceScore float64 `json:"importance_score"`
}

func parseRefinementDecision(raw string) (*refinementDecision, error) {
	var decoded struct {
		Action    string            `json:"action"`
		Text      string            `json:"text"`
		Memories  []refinementPiece `json:"memories"`
		Reasoning string            `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &decoded); err != nil {
		return nil, fmt.Errorf("memory: parse refinement decision: %w", err)
	}
	action := RefinementAction(decoded.Action)
	switch action {
	case RefineTrim, RefineSplit, RefineDoNothing:
	default:
		return nil, fmt.Errorf("memory: unknown refinement action %q", decoded.Action)
	}
	return &refinementDecision{
		Action:    action,
		Text:      decoded.Text,
		Memories:  decoded.Memories,
		Reasoning: decoded.Reasoning,
	}, nil
}

// refinementEligible re-checks the candidate predicate against live state.
// The reason string names the first failing condition.
func refinementEligible(m *models.Memory, cfg config.MemoryConfig, now time.Time) (bool, string) {
	if m.IsArchived {
		return false, "archived"
	}
	if m.ImportanceScore < cfg.ColdStorageFloor {
		return false, "cold storage"
	}
	if len(m.Text) < cfg.VerboseThresholdChars {
		return false, "below verbose threshold"
	}
	if m.AccessCount < cfg.MinAccessForRefinement {
		return false, "insufficient access"
	}
	if m.CreatedAt.After(now.AddDate(0, 0, -cfg.MinAgeDaysForRefine)) {
		return false, "too recent"
	}
	if m.LastRefinedAt != nil && m.LastRefinedAt.After(now.AddDate(0, 0, -cfg.RefinementCooldownDays)) {
		return false, "inside refinement cooldown"
	}
	if m.RefinementRejectionCount >= cfg.MaxRejectionCount {
		return false, "rejection cap reached"
	}
	return true, ""
}

func pieceImportance(pieceScore, fallback float64) float64 {
	if pieceScore > 0 {
		return clampUnit(pieceScore)
	}
	return fallback
}
