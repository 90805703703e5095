package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// Hub detection tuning. A hub anchors a consolidation cluster: either a
// memory the user keeps coming back to, or one that has accumulated edges.
const (
	hubImportanceFloor = 0.7
	hubMinAccessCount  = 3
	hubMinLinkCount    = 3
	hubCandidateLimit  = 20
	clusterMemberLimit = 8
)

const consolidationSystem = `You merge near-duplicate stored memories. Respond with a single JSON object: {"should_consolidate": true or false, "merged_text": one memory that preserves every distinct fact from the inputs, "confidence": a number between 0 and 1, "reasoning": one short sentence}. Refuse to merge when the memories carry genuinely different facts.`

const reviewSystem = `You review a proposed merge of stored memories. Respond with a single JSON object: {"approve": true or false, "reasoning": one short sentence}. Approve only when the merged text loses no facts from the originals.`

// ConsolidationOutcome reports what a merge decision did to one cluster.
type ConsolidationOutcome struct {
	Consolidated bool
	MergedID     string
	Reasoning    string
}

// Consolidator collapses clusters of near-duplicate memories into single
// merged memories.
type Consolidator struct {
	svc    *Service
	logger *observability.Logger
}

func newConsolidator(svc *Service) *Consolidator {
	return &Consolidator{svc: svc, logger: svc.logger.Component("memory.consolidator")}
}

// IdentifyConsolidationClusters finds hub memories and expands each by
// vector similarity. Each memory joins at most one cluster per sweep, and
// only clusters at or above the confidence threshold survive.
func (c *Consolidator) IdentifyConsolidationClusters(ctx context.Context) ([]models.ConsolidationCluster, error) {
	hubs, err := c.svc.store.HubCandidates(ctx, hubImportanceFloor, hubMinAccessCount, hubMinLinkCount, hubCandidateLimit)
	if err != nil {
		return nil, err
	}

	claimed := make(map[string]bool)
	var clusters []models.ConsolidationCluster
	for _, hub := range hubs {
		if claimed[hub.ID] || len(hub.Embedding) == 0 {
			continue
		}
		neighbors, err := c.svc.store.VectorSearch(ctx, hub.Embedding, clusterMemberLimit,
			c.svc.cfg.ConsolidationSimilarity, c.svc.cfg.ColdStorageFloor, hub.ID)
		if err != nil {
			return nil, err
		}

		memberIDs := make([]string, 0, len(neighbors))
		var similaritySum float64
		for _, n := range neighbors {
			if claimed[n.ID] {
				continue
			}
			memberIDs = append(memberIDs, n.ID)
			similaritySum += n.SimilarityScore
		}
		if len(memberIDs)+1 < c.svc.cfg.MinClusterSize {
			continue
		}
		confidence := similaritySum / float64(len(memberIDs))
		if confidence < c.svc.cfg.ConsolidationConfidence {
			continue
		}

		claimed[hub.ID] = true
		for _, id := range memberIDs {
			claimed[id] = true
		}
		clusters = append(clusters, models.ConsolidationCluster{
			HubID:      hub.ID,
			MemberIDs:  memberIDs,
			Confidence: confidence,
		})
	}
	return clusters, nil
}

// ConsolidateCluster asks the classifier for a merge decision and applies
// it: the merged memory replaces the hub and members, which are archived.
func (c *Consolidator) ConsolidateCluster(ctx context.Context, cluster models.ConsolidationCluster) (*ConsolidationOutcome, error) {
	memories, err := c.clusterMemories(ctx, cluster)
	if err != nil {
		return nil, err
	}
	if len(memories) < c.svc.cfg.MinClusterSize {
		return &ConsolidationOutcome{Reasoning: "cluster shrank below minimum size"}, nil
	}

	raw, err := c.svc.classifier.CompleteJSON(ctx, consolidationSystem, consolidationPrompt(memories), 0.2)
	if err != nil {
		return nil, fmt.Errorf("memory: consolidation decision: %w", err)
	}
	decision, err := parseConsolidationDecision(raw)
	if err != nil {
		return nil, err
	}
	if !decision.ShouldConsolidate || strings.TrimSpace(decision.MergedText) == "" {
		return &ConsolidationOutcome{Reasoning: decision.Reasoning}, nil
	}

	mergedID, err := c.applyMerge(ctx, memories, decision.MergedText, decision.Confidence)
	if err != nil {
		return nil, err
	}
	return &ConsolidationOutcome{Consolidated: true, MergedID: mergedID, Reasoning: decision.Reasoning}, nil
}

// clusterMemories loads whatever still exists of hub plus members.
func (c *Consolidator) clusterMemories(ctx context.Context, cluster models.ConsolidationCluster) ([]*models.Memory, error) {
	ids := append([]string{cluster.HubID}, cluster.MemberIDs...)
	memories, err := c.svc.store.GetMemoriesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	live := memories[:0]
	for _, m := range memories {
		if !m.IsArchived {
			live = append(live, m)
		}
	}
	return live, nil
}

// applyMerge persists the merged memory, carries the union of entity links
// over to it, and archives the originals.
func (c *Consolidator) applyMerge(ctx context.Context, memories []*models.Memory, mergedText string, confidence float64) (string, error) {
	importance := 0.0
	for _, m := range memories {
		if m.ImportanceScore > importance {
			importance = m.ImportanceScore
		}
	}

	ids, err := c.svc.storeWithSource(ctx, []models.ExtractedMemory{{
		Text:            mergedText,
		ImportanceScore: importance,
		Confidence:      defaultConfidence(confidence),
	}}, "consolidation", false)
	if err != nil {
		return "", err
	}
	mergedID := ids[0]

	if union := unionEntityLinks(memories); len(union) > 0 {
		if err := c.svc.store.SetEntityLinks(ctx, mergedID, union); err != nil {
			c.logger.WithContext(ctx).Warn("entity links not carried to merged memory",
				"merged_id", mergedID, "error", err)
		}
	}

	if err := c.svc.store.ArchiveMemories(ctx, memoryIDs(memories)); err != nil {
		return "", fmt.Errorf("memory: archive consolidated cluster: %w", err)
	}
	c.logger.WithContext(ctx).Info("cluster consolidated",
		"merged_id", mergedID, "replaced", len(memories))
	return mergedID, nil
}

func unionEntityLinks(memories []*models.Memory) []models.EntityLink {
	seen := make(map[string]bool)
	var union []models.EntityLink
	for _, m := range memories {
		for _, link := range m.EntityLinks {
			if seen[link.UUID] {
				continue
			}
			seen[link.UUID] = true
			union = append(union, link)
		}
	}
	return union
}

func consolidationPrompt(memories []*models.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate cluster of %d memories:\n", len(memories))
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s (importance %.2f)\n", i+1, m.Text, m.ImportanceScore)
	}
	b.WriteString("\nDecide whether these are the same underlying fact and, if so, merge them.")
	return b.String()
}

type consolidationDecision struct {
	ShouldConsolidate bool    `json:"should_consolidate"`
	MergedText        string  `json:"merged_text"`
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning"`
}

func parseConsolidationDecision(raw string) (*consolidationDecision, error) {
	var decision consolidationDecision
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &decision); err != nil {
		return nil, fmt.Errorf("memory: parse consolidation decision: %w", err)
	}
	return &decision, nil
}

type reviewDecision struct {
	Approve   bool   `json:"approve"`
	Reasoning string `json:"reasoning"`
}

func parseReviewDecision(raw string) (*reviewDecision, error) {
	var decision reviewDecision
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &decision); err != nil {
		return nil, fmt.Errorf("memory: parse review decision: %w", err)
	}
	return &decision, nil
}
