package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

const (
	lockLinksSQL   = `SELECT inbound_links, outbound_links FROM memories WHERE id = $1 FOR UPDATE`
	setOutboundSQL = `UPDATE memories SET outbound_links = $1::jsonb, updated_at = now() WHERE id = $2`
	setInboundSQL  = `UPDATE memories SET inbound_links = $1::jsonb, updated_at = now() WHERE id = $2`
)

// linkCandidateLimit bounds how many neighbors are considered per new
// memory when queueing relationship classification.
const linkCandidateLimit = 5

const relationshipSystem = `You classify the relationship between two stored memories. Respond with a single JSON object: {"relationship_type": one of "related", "supports", "conflicts", "supersedes", "causes", "instance_of", "invalidated_by", "motivated_by", or "null" when no meaningful relationship exists, "confidence": a number between 0 and 1, "reasoning": one short sentence}.`

// Linker materializes typed edges between memories and walks the resulting
// graph.
type Linker struct {
	svc    *Service
	logger *observability.Logger
}

func newLinker(svc *Service) *Linker {
	return &Linker{svc: svc, logger: svc.logger.Component("memory.linker")}
}

// FindSimilarCandidates returns linking candidates for a memory: neighbors
// above the link similarity threshold, excluding only cold storage.
func (l *Linker) FindSimilarCandidates(ctx context.Context, memoryID string, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = linkCandidateLimit
	}
	m, err := l.svc.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	return l.svc.store.VectorSearch(ctx, m.Embedding, limit,
		l.svc.cfg.LinkSimilarityThreshold, l.svc.cfg.ColdStorageFloor, m.ID)
}

// ClassifyRelationship asks the classifier how src relates to tgt. A nil
// link with nil error means "no relationship worth persisting": the type
// was null, unknown, or below the confidence threshold.
func (l *Linker) ClassifyRelationship(ctx context.Context, src, tgt *models.Memory) (*models.MemoryLink, error) {
	raw, err := l.svc.classifier.CompleteJSON(ctx, relationshipSystem, relationshipPrompt(src, tgt), 0.2)
	if err != nil {
		return nil, fmt.Errorf("memory: classify relationship: %w", err)
	}
	link, err := parseRelationshipDecision(raw, l.svc.cfg.LinkConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	if link != nil {
		link.UUID = tgt.ID
	}
	return link, nil
}

// relationshipPrompt renders both memories with their temporal and
// importance fields for the classifier.
func relationshipPrompt(src, tgt *models.Memory) string {
	var b strings.Builder
	b.WriteString("Memory A:\n")
	writeMemoryFacts(&b, src)
	b.WriteString("\nMemory B:\n")
	writeMemoryFacts(&b, tgt)
	b.WriteString("\nClassify the relationship from Memory A to Memory B.")
	return b.String()
}

func writeMemoryFacts(b *strings.Builder, m *models.Memory) {
	fmt.Fprintf(b, "  text: %s\n", m.Text)
	fmt.Fprintf(b, "  created: %s\n", m.CreatedAt.UTC().Format(time.RFC3339))
	if m.HappensAt != nil {
		fmt.Fprintf(b, "  happens: %s\n", m.HappensAt.UTC().Format(time.RFC3339))
	}
	if m.ExpiresAt != nil {
		fmt.Fprintf(b, "  expires: %s\n", m.ExpiresAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(b, "  importance: %.2f\n", m.ImportanceScore)
}

// parseRelationshipDecision validates the classifier output. Returns
// (nil, nil) for a null type, an unknown type, or confidence below the
// threshold.
func parseRelationshipDecision(raw string, confidenceThreshold float64) (*models.MemoryLink, error) {
	var decision struct {
		RelationshipType string  `json:"relationship_type"`
		Confidence       float64 `json:"confidence"`
		Reasoning        string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &decision); err != nil {
		return nil, fmt.Errorf("memory: parse relationship decision: %w", err)
	}

	linkType := models.LinkType(decision.RelationshipType)
	if !models.ValidLinkType(linkType) || linkType == models.LinkNone {
		return nil, nil
	}
	if decision.Confidence < confidenceThreshold {
		return nil, nil
	}
	return &models.MemoryLink{
		Type:       linkType,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// CreateBidirectionalLink persists the edge on both memories in one
// transaction: an outbound entry on src and an inbound entry on tgt, with
// the same canonical type and confidence. Re-linking an already linked pair
// is a no-op.
func (l *Linker) CreateBidirectionalLink(ctx context.Context, srcID, tgtID string, linkType models.LinkType, confidence float64, reasoning string) error {
	if srcID == tgtID {
		return fmt.Errorf("memory: cannot link %s to itself", srcID)
	}
	canonical := models.CanonicalLinkType(linkType)
	if canonical == models.LinkNone {
		return fmt.Errorf("memory: link type %q does not persist", linkType)
	}

	now := time.Now().UTC()
	return l.svc.store.client.WithTx(ctx, func(tx *sql.Tx) error {
		// Lock rows in id order so concurrent a->b and b->a linking cannot
		// deadlock.
		first, second := srcID, tgtID
		if second < first {
			first, second = second, first
		}
		locked := make(map[string]*lockedLinks, 2)
		for _, id := range []string{first, second} {
			ll, err := lockLinks(ctx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = ll
		}

		src, tgt := locked[srcID], locked[tgtID]
		if hasLinkTo(src.Outbound, tgtID) {
			return nil
		}

		src.Outbound = append(src.Outbound, models.MemoryLink{
			UUID:       tgtID,
			Type:       canonical,
			Confidence: confidence,
			Reasoning:  reasoning,
			CreatedAt:  now,
		})
		tgt.Inbound = append(tgt.Inbound, models.MemoryLink{
			UUID:       srcID,
			Type:       canonical,
			Confidence: confidence,
			Reasoning:  reasoning,
			CreatedAt:  now,
		})

		if err := updateLinksColumn(ctx, tx, setOutboundSQL, src.Outbound, srcID); err != nil {
			return err
		}
		return updateLinksColumn(ctx, tx, setInboundSQL, tgt.Inbound, tgtID)
	})
}

type lockedLinks struct {
	Inbound  []models.MemoryLink
	Outbound []models.MemoryLink
}

func lockLinks(ctx context.Context, tx *sql.Tx, id string) (*lockedLinks, error) {
	var inRaw, outRaw []byte
	err := tx.QueryRowContext(ctx, lockLinksSQL, id).Scan(&inRaw, &outRaw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: lock links for %s: %w", id, err)
	}
	ll := &lockedLinks{}
	if err := json.Unmarshal(inRaw, &ll.Inbound); err != nil {
		return nil, fmt.Errorf("memory: decode inbound links of %s: %w", id, err)
	}
	if err := json.Unmarshal(outRaw, &ll.Outbound); err != nil {
		return nil, fmt.Errorf("memory: decode outbound links of %s: %w", id, err)
	}
	return ll, nil
}

func updateLinksColumn(ctx context.Context, tx *sql.Tx, query string, links []models.MemoryLink, id string) error {
	encoded, err := json.Marshal(emptyIfNil(links))
	if err != nil {
		return fmt.Errorf("memory: encode links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, string(encoded), id); err != nil {
		return fmt.Errorf("memory: update links of %s: %w", id, err)
	}
	return nil
}

func hasLinkTo(links []models.MemoryLink, id string) bool {
	for _, l := range links {
		if l.UUID == id {
			return true
		}
	}
	return false
}

// TraverseRelated walks the link graph breadth-first from memoryID up to
// depth hops, deduplicating by id. Dangling references observed along the
// way are deleted from their source memory (heal-on-read). An unknown root
// returns an empty result.
func (l *Linker) TraverseRelated(ctx context.Context, memoryID string, depth int) ([]*models.Memory, error) {
	if depth <= 0 || depth > l.svc.cfg.MaxLinkTraversalDepth {
		depth = l.svc.cfg.MaxLinkTraversalDepth
	}
	start, err := l.svc.store.GetMemory(ctx, memoryID)
	if errors.Is(err, ErrMemoryNotFound) {
		return []*models.Memory{}, nil
	}
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context, ids []string) (map[string]*models.Memory, error) {
		found, err := l.svc.store.GetMemoriesByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]*models.Memory, len(found))
		for _, m := range found {
			byID[m.ID] = m
		}
		return byID, nil
	}

	return traverseLinks(ctx, start, depth, fetch, l.healDangling)
}

// traverseLinks is the BFS core, factored over fetch and heal callbacks.
func traverseLinks(
	ctx context.Context,
	start *models.Memory,
	maxDepth int,
	fetch func(context.Context, []string) (map[string]*models.Memory, error),
	heal func(context.Context, *models.Memory, []string) error,
) ([]*models.Memory, error) {
	visited := map[string]bool{start.ID: true}
	out := []*models.Memory{}
	frontier := []*models.Memory{start}

	for hop := 0; hop < maxDepth && len(frontier) > 0; hop++ {
		var wanted []string
		neighborsBySrc := make(map[string][]string, len(frontier))
		srcByID := make(map[string]*models.Memory, len(frontier))
		for _, m := range frontier {
			srcByID[m.ID] = m
			targets := linkTargets(m)
			neighborsBySrc[m.ID] = targets
			for _, id := range targets {
				if !visited[id] {
					wanted = append(wanted, id)
				}
			}
		}
		wanted = dedupeStrings(wanted)
		if len(wanted) == 0 {
			break
		}

		found, err := fetch(ctx, wanted)
		if err != nil {
			return nil, err
		}

		srcIDs := make([]string, 0, len(neighborsBySrc))
		for id := range neighborsBySrc {
			srcIDs = append(srcIDs, id)
		}
		sort.Strings(srcIDs)
		for _, srcID := range srcIDs {
			var dangling []string
			for _, id := range neighborsBySrc[srcID] {
				if _, ok := found[id]; !ok && !visited[id] {
					dangling = append(dangling, id)
				}
			}
			if len(dangling) > 0 {
				if err := heal(ctx, srcByID[srcID], dangling); err != nil {
					return nil, err
				}
			}
		}

		next := make([]*models.Memory, 0, len(found))
		for _, id := range wanted {
			m, ok := found[id]
			if !ok || visited[id] {
				continue
			}
			visited[id] = true
			out = append(out, m)
			next = append(next, m)
		}
		frontier = next
	}
	return out, nil
}

func linkTargets(m *models.Memory) []string {
	ids := make([]string, 0, len(m.OutboundLinks)+len(m.InboundLinks))
	for _, l := range m.OutboundLinks {
		ids = append(ids, l.UUID)
	}
	for _, l := range m.InboundLinks {
		ids = append(ids, l.UUID)
	}
	return ids
}

// healDangling removes edges pointing at ids that no longer resolve. Heal
// failures are logged, not fatal: traversal still returns what it found.
func (l *Linker) healDangling(ctx context.Context, src *models.Memory, dangling []string) error {
	gone := make(map[string]bool, len(dangling))
	for _, id := range dangling {
		gone[id] = true
	}
	inbound := pruneLinks(src.InboundLinks, gone)
	outbound := pruneLinks(src.OutboundLinks, gone)
	if len(inbound) == len(src.InboundLinks) && len(outbound) == len(src.OutboundLinks) {
		return nil
	}

	l.logger.WithContext(ctx).Info("healing dangling links",
		"memory_id", src.ID, "removed", len(dangling))
	if err := l.svc.store.ReplaceLinks(ctx, src.ID, inbound, outbound); err != nil {
		l.logger.WithContext(ctx).Warn("link heal failed", "memory_id", src.ID, "error", err)
	}
	// Keep the in-memory copy consistent so later hops do not re-report the
	// same edges.
	src.InboundLinks, src.OutboundLinks = inbound, outbound
	return nil
}

func pruneLinks(links []models.MemoryLink, gone map[string]bool) []models.MemoryLink {
	kept := make([]models.MemoryLink, 0, len(links))
	for _, l := range links {
		if !gone[l.UUID] {
			kept = append(kept, l)
		}
	}
	return kept
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
