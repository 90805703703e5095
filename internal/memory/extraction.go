package memory

import (
	"context"
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
	// memoryContextLimit bounds the existing-memory snapshot included in
	// extraction prompts.
	memoryContextLimit = 25

	// extractionMaxTokens bounds each batch item's completion.
	extractionMaxTokens = 4096
)

const extractionSystem = `You extract long-term memories from conversation transcripts. Respond with a single JSON array of memory objects, each shaped as {"text": the fact in one or two sentences, "importance_score": number 0..1, "confidence": number 0..1, "expires_at": RFC3339 timestamp or omitted, "happens_at": RFC3339 timestamp or omitted, "entities": [{"name": string, "type": "PERSON"|"ORG"|"PRODUCT"|"EVENT"|"LOCATION"|"OTHER"}], "related_memory_ids": ids of existing memories the fact relates to, "consolidates_memory_ids": ids of existing memories the fact supersedes, "relationship_type": "related"|"supports"|"conflicts"|"supersedes"|"causes"|"instance_of"|"invalidated_by"|"motivated_by"}. Extract durable facts only: preferences, decisions, commitments, relationships, biography, plans. Skip pleasantries and transient chatter. Return [] when nothing qualifies.`

// mergeProposal is a below-threshold consolidation decision queued for a
// second-pass review batch.
type mergeProposal struct {
	HubID      string   `json:"hub_id"`
	MemberIDs  []string `json:"member_ids"`
	MergedText string   `json:"merged_text"`
	Confidence float64  `json:"confidence"`
}

// ExtractionOrchestrator runs the asynchronous side of LT-Memory: it chunks
// collapsed segments into provider batches, polls open batches, persists
// extracted memories and fans out relationship and consolidation
// post-processing.
type ExtractionOrchestrator struct {
	svc    *Service
	logger *observability.Logger
}

func newExtractionOrchestrator(svc *Service) *ExtractionOrchestrator {
	return &ExtractionOrchestrator{
		svc:    svc,
		logger: svc.logger.Component("memory.extraction"),
	}
}

// ChunkMessages splits messages into ordered chunks of at most maxPerChunk,
// dropping messages with no text. Each chunk carries its temporal bounds and
// the shared memory context. Returns nil when nothing survives filtering.
func ChunkMessages(messages []models.Message, maxPerChunk int, memoryContext string) []models.ProcessingChunk {
	if maxPerChunk <= 0 {
		maxPerChunk = 1
	}
	kept := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Text()) == "" {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return nil
	}

	var chunks []models.ProcessingChunk
	for start := 0; start < len(kept); start += maxPerChunk {
		end := start + maxPerChunk
		if end > len(kept) {
			end = len(kept)
		}
		part := kept[start:end]
		chunks = append(chunks, models.ProcessingChunk{
			Messages:      part,
			TemporalStart: part[0].CreatedAt,
			TemporalEnd:   part[len(part)-1].CreatedAt,
			ChunkIndex:    len(chunks),
			MemoryContext: memoryContext,
		})
	}
	return chunks
}

// SubmitSegmentExtraction chunks a collapsed segment's messages, submits one
// provider batch for them and records the extraction row. Returns the batch
// row id, or "" when there was nothing to extract.
func (o *ExtractionOrchestrator) SubmitSegmentExtraction(ctx context.Context, segmentID string, messages []models.Message) (string, error) {
	if _, err := observability.RequireUserID(ctx); err != nil {
		return "", fmt.Errorf("memory: submit extraction: %w", err)
	}
	if o.svc.provider == nil {
		return "", ErrNoBatchProvider
	}

	memoryContext, err := o.svc.store.MemoryContextSnapshot(ctx, memoryContextLimit)
	if err != nil {
		o.logger.WithContext(ctx).Warn("memory context snapshot failed, extracting without it", "error", err)
		memoryContext = ""
	}

	chunks := ChunkMessages(messages, o.svc.cfg.ChunkMaxMessages, memoryContext)
	if len(chunks) == 0 {
		o.logger.WithContext(ctx).Debug("segment had no extractable messages", "segment_id", segmentID)
		return "", nil
	}

	requests := make([]BatchRequest, len(chunks))
	for i, chunk := range chunks {
		requests[i] = BatchRequest{
			CustomID:  fmt.Sprintf("%s:%d", segmentID, chunk.ChunkIndex),
			System:    extractionSystem,
			Prompt:    buildExtractionPrompt(chunk),
			MaxTokens: extractionMaxTokens,
		}
	}

	providerBatchID, err := o.svc.provider.SubmitBatch(ctx, requests)
	if err != nil {
		return "", fmt.Errorf("memory: submit extraction batch: %w", err)
	}

	id, err := o.svc.batches.CreateExtraction(ctx, &models.ExtractionBatch{
		SegmentID:       segmentID,
		ProviderBatchID: providerBatchID,
		ChunkCount:      len(chunks),
	})
	if err != nil {
		return "", err
	}
	o.logger.WithContext(ctx).Info("extraction batch submitted",
		"batch_id", id, "segment_id", segmentID, "chunks", len(chunks))
	return id, nil
}

// SubmitConsolidationBatch identifies consolidation clusters for the ambient
// user and submits their merge decisions as one provider batch. Returns the
// batch row id, or "" when no clusters qualify.
func (o *ExtractionOrchestrator) SubmitConsolidationBatch(ctx context.Context) (string, error) {
	if _, err := observability.RequireUserID(ctx); err != nil {
		return "", fmt.Errorf("memory: submit consolidation: %w", err)
	}
	if o.svc.provider == nil {
		return "", ErrNoBatchProvider
	}

	clusters, err := o.svc.Consolidator.IdentifyConsolidationClusters(ctx)
	if err != nil {
		return "", err
	}

	var requests []BatchRequest
	kept := make([]models.ConsolidationCluster, 0, len(clusters))
	for _, cluster := range clusters {
		memories, err := o.svc.Consolidator.clusterMemories(ctx, cluster)
		if err != nil {
			return "", err
		}
		if len(memories) < o.svc.cfg.MinClusterSize {
			continue
		}
		requests = append(requests, BatchRequest{
			CustomID:  cluster.HubID,
			System:    consolidationSystem,
			Prompt:    consolidationPrompt(memories),
			MaxTokens: extractionMaxTokens,
		})
		kept = append(kept, cluster)
	}
	if len(requests) == 0 {
		return "", nil
	}

	providerBatchID, err := o.svc.provider.SubmitBatch(ctx, requests)
	if err != nil {
		return "", fmt.Errorf("memory: submit consolidation batch: %w", err)
	}

	id, err := o.svc.batches.CreatePostProcessing(ctx, &models.PostProcessingBatch{
		Kind:            models.PostProcessConsolidation,
		ProviderBatchID: providerBatchID,
		ItemsSubmitted:  len(requests),
		Payload:         map[string]any{"clusters": kept},
	})
	if err != nil {
		return "", err
	}
	o.logger.WithContext(ctx).Info("consolidation batch submitted",
		"batch_id", id, "clusters", len(kept))
	return id, nil
}

// PollOnce advances every open extraction and post-processing batch by one
// provider poll. Individual batch failures are logged and do not stop the
// sweep.
func (o *ExtractionOrchestrator) PollOnce(ctx context.Context) error {
	if o.svc.provider == nil {
		return nil
	}

	extractions, err := o.svc.batches.ListOpenExtractions(ctx)
	if err != nil {
		return err
	}
	for _, batch := range extractions {
		if err := o.pollExtraction(ctx, batch); err != nil {
			o.logger.WithContext(ctx).Error("extraction batch poll failed",
				"batch_id", batch.ID, "error", err)
		}
	}

	post, err := o.svc.batches.ListOpenPostProcessing(ctx)
	if err != nil {
		return err
	}
	for _, batch := range post {
		if err := o.pollPostProcessing(ctx, batch); err != nil {
			o.logger.WithContext(ctx).Error("post-processing batch poll failed",
				"batch_id", batch.ID, "kind", string(batch.Kind), "error", err)
		}
	}
	return nil
}

func (o *ExtractionOrchestrator) pollExtraction(ctx context.Context, batch *models.ExtractionBatch) error {
	status, err := o.svc.provider.GetBatch(ctx, batch.ProviderBatchID)
	if err != nil {
		return fmt.Errorf("memory: poll extraction %s: %w", batch.ID, err)
	}

	switch status.State {
	case models.BatchSubmitted:
		return nil
	case models.BatchProcessing:
		return o.svc.batches.TransitionExtraction(ctx, batch.ID, models.BatchProcessing, "")
	case models.BatchCompleted:
		uctx := observability.AddUserID(ctx, batch.UserID)
		if err := o.processExtractionResults(uctx, batch, status.Results); err != nil {
			if terr := o.svc.batches.TransitionExtraction(ctx, batch.ID, models.BatchFailed, err.Error()); terr != nil {
				return errors.Join(err, terr)
			}
			return err
		}
		return o.svc.batches.TransitionExtraction(ctx, batch.ID, models.BatchCompleted, "")
	case models.BatchFailed, models.BatchExpired, models.BatchCancelled:
		return o.svc.batches.TransitionExtraction(ctx, batch.ID, status.State, resultErrors(status.Results))
	default:
		return fmt.Errorf("memory: extraction %s: provider reported unknown state %q", batch.ID, status.State)
	}
}

// processExtractionResults stores every extracted memory, applies the
// extractor's inline relationship and consolidation directives, then queues
// a relationship-classification batch over the newcomers' neighborhoods.
func (o *ExtractionOrchestrator) processExtractionResults(ctx context.Context, batch *models.ExtractionBatch, results []BatchResult) error {
	var items []models.ExtractedMemory
	for _, result := range results {
		if result.Err != "" {
			o.logger.WithContext(ctx).Warn("extraction item failed",
				"batch_id", batch.ID, "custom_id", result.CustomID, "error", result.Err)
			continue
		}
		parsed, err := parseExtractedMemories(result.Content)
		if err != nil {
			o.logger.WithContext(ctx).Warn("extraction item unparseable",
				"batch_id", batch.ID, "custom_id", result.CustomID, "error", err)
			continue
		}
		items = append(items, parsed...)
	}
	if len(items) == 0 {
		o.logger.WithContext(ctx).Info("extraction batch yielded no memories", "batch_id", batch.ID)
		return nil
	}

	newIDs, err := o.svc.storeWithSource(ctx, items, "extraction", false)
	if err != nil {
		return err
	}

	for i, item := range items {
		o.applyDirectives(ctx, newIDs[i], item)
	}

	if err := o.queueRelationshipBatch(ctx, newIDs); err != nil {
		o.logger.WithContext(ctx).Warn("relationship batch not queued",
			"batch_id", batch.ID, "error", err)
	}
	return nil
}

// applyDirectives handles the extractor's inline graph edits for one new
// memory: proposed links to existing memories and supersede-style
// consolidation. Directive failures are logged, never fatal: the memory
// itself is already stored.
func (o *ExtractionOrchestrator) applyDirectives(ctx context.Context, newID string, item models.ExtractedMemory) {
	log := o.logger.WithContext(ctx)

	if len(item.RelatedMemoryIDs) > 0 {
		linkType := item.RelationshipType
		if !models.ValidLinkType(linkType) || linkType == models.LinkNone {
			linkType = models.LinkRelated
		}
		for _, relatedID := range dedupeStrings(item.RelatedMemoryIDs) {
			err := o.svc.Linker.CreateBidirectionalLink(ctx, newID, relatedID, linkType, item.Confidence, "extractor directive")
			if errors.Is(err, ErrMemoryNotFound) {
				log.Debug("related memory no longer exists", "memory_id", newID, "related_id", relatedID)
				continue
			}
			if err != nil {
				log.Warn("extractor link not created", "memory_id", newID, "related_id", relatedID, "error", err)
			}
		}
	}

	if len(item.ConsolidatesMemoryIDs) > 0 {
		superseded := dedupeStrings(item.ConsolidatesMemoryIDs)
		for _, oldID := range superseded {
			err := o.svc.Linker.CreateBidirectionalLink(ctx, oldID, newID, models.LinkSupersedes, item.Confidence, "superseded by extraction")
			if errors.Is(err, ErrMemoryNotFound) {
				continue
			}
			if err != nil {
				log.Warn("supersede link not created", "memory_id", newID, "old_id", oldID, "error", err)
			}
		}
		if err := o.svc.store.ArchiveMemories(ctx, superseded); err != nil {
			log.Warn("superseded memories not archived", "memory_id", newID, "error", err)
		}
	}
}

// queueRelationshipBatch submits a relationship-classification batch over
// each new memory's similarity neighborhood. Pairs are deduplicated without
// regard to order.
func (o *ExtractionOrchestrator) queueRelationshipBatch(ctx context.Context, newIDs []string) error {
	if o.svc.provider == nil || len(newIDs) == 0 {
		return nil
	}

	newMemories, err := o.svc.store.GetMemoriesByIDs(ctx, newIDs)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var requests []BatchRequest
	for _, src := range newMemories {
		candidates, err := o.svc.Linker.FindSimilarCandidates(ctx, src.ID, linkCandidateLimit)
		if err != nil {
			o.logger.WithContext(ctx).Warn("link candidates unavailable", "memory_id", src.ID, "error", err)
			continue
		}
		for _, tgt := range candidates {
			if !markPair(seen, src.ID, tgt.ID) {
				continue
			}
			requests = append(requests, BatchRequest{
				CustomID:  src.ID + "|" + tgt.ID,
				System:    relationshipSystem,
				Prompt:    relationshipPrompt(src, tgt),
				MaxTokens: extractionMaxTokens,
			})
		}
	}
	if len(requests) == 0 {
		return nil
	}

	providerBatchID, err := o.svc.provider.SubmitBatch(ctx, requests)
	if err != nil {
		return fmt.Errorf("memory: submit relationship batch: %w", err)
	}
	id, err := o.svc.batches.CreatePostProcessing(ctx, &models.PostProcessingBatch{
		Kind:            models.PostProcessRelationships,
		ProviderBatchID: providerBatchID,
		ItemsSubmitted:  len(requests),
	})
	if err != nil {
		return err
	}
	o.logger.WithContext(ctx).Info("relationship batch submitted", "batch_id", id, "pairs", len(requests))
	return nil
}

func (o *ExtractionOrchestrator) pollPostProcessing(ctx context.Context, batch *models.PostProcessingBatch) error {
	status, err := o.svc.provider.GetBatch(ctx, batch.ProviderBatchID)
	if err != nil {
		return fmt.Errorf("memory: poll post-processing %s: %w", batch.ID, err)
	}

	switch status.State {
	case models.BatchSubmitted:
		return nil
	case models.BatchProcessing:
		return o.svc.batches.TransitionPostProcessing(ctx, batch.ID, models.BatchProcessing, "")
	case models.BatchCompleted:
		uctx := observability.AddUserID(ctx, batch.UserID)
		if err := o.applyPostResults(uctx, batch, status.Results); err != nil {
			if terr := o.svc.batches.TransitionPostProcessing(ctx, batch.ID, models.BatchFailed, err.Error()); terr != nil {
				return errors.Join(err, terr)
			}
			return err
		}
		return o.svc.batches.TransitionPostProcessing(ctx, batch.ID, models.BatchCompleted, "")
	case models.BatchFailed, models.BatchExpired, models.BatchCancelled:
		return o.svc.batches.TransitionPostProcessing(ctx, batch.ID, status.State, resultErrors(status.Results))
	default:
		return fmt.Errorf("memory: post-processing %s: provider reported unknown state %q", batch.ID, status.State)
	}
}

func (o *ExtractionOrchestrator) applyPostResults(ctx context.Context, batch *models.PostProcessingBatch, results []BatchResult) error {
	switch batch.Kind {
	case models.PostProcessRelationships:
		return o.applyRelationshipResults(ctx, batch, results)
	case models.PostProcessConsolidation:
		return o.applyConsolidationResults(ctx, batch, results)
	case models.PostProcessConsolidationReview:
		return o.applyReviewResults(ctx, batch, results)
	default:
		return fmt.Errorf("memory: post-processing %s: unknown kind %q", batch.ID, batch.Kind)
	}
}

// applyRelationshipResults materializes classifier-approved links. The
// custom id of each item is "srcID|tgtID".
func (o *ExtractionOrchestrator) applyRelationshipResults(ctx context.Context, batch *models.PostProcessingBatch, results []BatchResult) error {
	log := o.logger.WithContext(ctx)
	var completed, failed, linksCreated, conflicts int

	for _, result := range results {
		if result.Err != "" {
			failed++
			continue
		}
		srcID, tgtID, ok := strings.Cut(result.CustomID, "|")
		if !ok {
			log.Warn("relationship item has malformed custom id", "batch_id", batch.ID, "custom_id", result.CustomID)
			failed++
			continue
		}
		link, err := parseRelationshipDecision(result.Content, o.svc.cfg.LinkConfidenceThreshold)
		if err != nil {
			log.Warn("relationship decision unparseable", "batch_id", batch.ID, "custom_id", result.CustomID, "error", err)
			failed++
			continue
		}
		if link == nil {
			completed++
			continue
		}

		err = o.svc.Linker.CreateBidirectionalLink(ctx, srcID, tgtID, link.Type, link.Confidence, link.Reasoning)
		if errors.Is(err, ErrMemoryNotFound) {
			completed++
			continue
		}
		if err != nil {
			log.Warn("classified link not created", "batch_id", batch.ID, "custom_id", result.CustomID, "error", err)
			failed++
			continue
		}
		completed++
		linksCreated++
		if models.CanonicalLinkType(link.Type) == models.LinkConflicts {
			conflicts++
		}
	}

	return o.svc.batches.BumpPostCounters(ctx, batch.ID, completed, failed, linksCreated, conflicts)
}

// applyConsolidationResults merges clusters whose decision clears the
// confidence threshold and queues the rest for a review batch.
func (o *ExtractionOrchestrator) applyConsolidationResults(ctx context.Context, batch *models.PostProcessingBatch, results []BatchResult) error {
	var payload struct {
		Clusters []models.ConsolidationCluster `json:"clusters"`
	}
	if err := decodePayload(batch.Payload, &payload); err != nil {
		return err
	}
	byHub := make(map[string]models.ConsolidationCluster, len(payload.Clusters))
	for _, cluster := range payload.Clusters {
		byHub[cluster.HubID] = cluster
	}

	log := o.logger.WithContext(ctx)
	var completed, failed int
	var proposals []mergeProposal

	for _, result := range results {
		if result.Err != "" {
			failed++
			continue
		}
		cluster, ok := byHub[result.CustomID]
		if !ok {
			log.Warn("consolidation item references unknown cluster", "batch_id", batch.ID, "custom_id", result.CustomID)
			failed++
			continue
		}
		decision, err := parseConsolidationDecision(result.Content)
		if err != nil {
			log.Warn("consolidation decision unparseable", "batch_id", batch.ID, "custom_id", result.CustomID, "error", err)
			failed++
			continue
		}
		if !decision.ShouldConsolidate || strings.TrimSpace(decision.MergedText) == "" {
			completed++
			continue
		}

		if decision.Confidence < o.svc.cfg.ConsolidationConfidence {
			proposals = append(proposals, mergeProposal{
				HubID:      cluster.HubID,
				MemberIDs:  cluster.MemberIDs,
				MergedText: decision.MergedText,
				Confidence: decision.Confidence,
			})
			completed++
			continue
		}

		if err := o.mergeCluster(ctx, cluster, decision.MergedText, decision.Confidence); err != nil {
			log.Warn("cluster merge failed", "batch_id", batch.ID, "hub_id", cluster.HubID, "error", err)
			failed++
			continue
		}
		completed++
	}

	if err := o.svc.batches.BumpPostCounters(ctx, batch.ID, completed, failed, 0, 0); err != nil {
		return err
	}
	if len(proposals) > 0 {
		if err := o.queueReviewBatch(ctx, proposals); err != nil {
			log.Warn("review batch not queued", "batch_id", batch.ID, "error", err)
		}
	}
	return nil
}

// queueReviewBatch submits low-confidence merge proposals for a second
// opinion before any memory is archived.
func (o *ExtractionOrchestrator) queueReviewBatch(ctx context.Context, proposals []mergeProposal) error {
	requests := make([]BatchRequest, 0, len(proposals))
	for _, p := range proposals {
		memories, err := o.svc.Consolidator.clusterMemories(ctx, models.ConsolidationCluster{HubID: p.HubID, MemberIDs: p.MemberIDs})
		if err != nil || len(memories) < o.svc.cfg.MinClusterSize {
			continue
		}
		requests = append(requests, BatchRequest{
			CustomID:  p.HubID,
			System:    reviewSystem,
			Prompt:    reviewPrompt(memories, p.MergedText),
			MaxTokens: extractionMaxTokens,
		})
	}
	if len(requests) == 0 {
		return nil
	}

	providerBatchID, err := o.svc.provider.SubmitBatch(ctx, requests)
	if err != nil {
		return fmt.Errorf("memory: submit review batch: %w", err)
	}
	id, err := o.svc.batches.CreatePostProcessing(ctx, &models.PostProcessingBatch{
		Kind:            models.PostProcessConsolidationReview,
		ProviderBatchID: providerBatchID,
		ItemsSubmitted:  len(requests),
		Payload:         map[string]any{"proposals": proposals},
	})
	if err != nil {
		return err
	}
	o.logger.WithContext(ctx).Info("consolidation review batch submitted",
		"batch_id", id, "proposals", len(requests))
	return nil
}

// applyReviewResults merges proposals the reviewer approved and drops the
// rest.
func (o *ExtractionOrchestrator) applyReviewResults(ctx context.Context, batch *models.PostProcessingBatch, results []BatchResult) error {
	var payload struct {
		Proposals []mergeProposal `json:"proposals"`
	}
	if err := decodePayload(batch.Payload, &payload); err != nil {
		return err
	}
	byHub := make(map[string]mergeProposal, len(payload.Proposals))
	for _, p := range payload.Proposals {
		byHub[p.HubID] = p
	}

	log := o.logger.WithContext(ctx)
	var completed, failed int

	for _, result := range results {
		if result.Err != "" {
			failed++
			continue
		}
		proposal, ok := byHub[result.CustomID]
		if !ok {
			log.Warn("review item references unknown proposal", "batch_id", batch.ID, "custom_id", result.CustomID)
			failed++
			continue
		}
		decision, err := parseReviewDecision(result.Content)
		if err != nil {
			log.Warn("review decision unparseable", "batch_id", batch.ID, "custom_id", result.CustomID, "error", err)
			failed++
			continue
		}
		if !decision.Approve {
			completed++
			continue
		}

		cluster := models.ConsolidationCluster{HubID: proposal.HubID, MemberIDs: proposal.MemberIDs}
		if err := o.mergeCluster(ctx, cluster, proposal.MergedText, proposal.Confidence); err != nil {
			log.Warn("approved merge failed", "batch_id", batch.ID, "hub_id", proposal.HubID, "error", err)
			failed++
			continue
		}
		completed++
	}

	return o.svc.batches.BumpPostCounters(ctx, batch.ID, completed, failed, 0, 0)
}

// mergeCluster re-reads the cluster and applies the merge only if it is
// still big enough: members may have been archived since submission.
func (o *ExtractionOrchestrator) mergeCluster(ctx context.Context, cluster models.ConsolidationCluster, mergedText string, confidence float64) error {
	memories, err := o.svc.Consolidator.clusterMemories(ctx, cluster)
	if err != nil {
		return err
	}
	if len(memories) < o.svc.cfg.MinClusterSize {
		o.logger.WithContext(ctx).Debug("cluster no longer mergeable", "hub_id", cluster.HubID, "live", len(memories))
		return nil
	}
	_, err = o.svc.Consolidator.applyMerge(ctx, memories, mergedText, confidence)
	return err
}

func buildExtractionPrompt(chunk models.ProcessingChunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation excerpt (%s to %s):\n",
		chunk.TemporalStart.UTC().Format(time.RFC3339),
		chunk.TemporalEnd.UTC().Format(time.RFC3339))
	for _, m := range chunk.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text())
	}
	if chunk.MemoryContext != "" {
		b.WriteString("\nAlready known about this user (reference these ids in related_memory_ids / consolidates_memory_ids):\n")
		b.WriteString(chunk.MemoryContext)
	}
	return b.String()
}

func reviewPrompt(memories []*models.Memory, mergedText string) string {
	var b strings.Builder
	b.WriteString("Original memories:\n")
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Text)
	}
	b.WriteString("\nProposed merged memory:\n")
	b.WriteString(mergedText)
	return b.String()
}

// parseExtractedMemories accepts either a bare JSON array or an object
// wrapping one under "memories", with or without surrounding prose.
func parseExtractedMemories(content string) ([]models.ExtractedMemory, error) {
	var items []models.ExtractedMemory

	if obj := extractJSONObject(content); obj != "" {
		var wrapper struct {
			Memories []models.ExtractedMemory `json:"memories"`
		}
		if err := json.Unmarshal([]byte(obj), &wrapper); err == nil && wrapper.Memories != nil {
			items = wrapper.Memories
		}
	}
	if items == nil {
		arr := extractJSONArray(content)
		if arr == "" {
			return nil, fmt.Errorf("memory: no JSON memories in extraction output")
		}
		if err := json.Unmarshal([]byte(arr), &items); err != nil {
			return nil, fmt.Errorf("memory: parse extracted memories: %w", err)
		}
	}

	kept := items[:0]
	for _, item := range items {
		if strings.TrimSpace(item.Text) == "" {
			continue
		}
		item.ImportanceScore = clampUnit(item.ImportanceScore)
		if item.Confidence > 1 {
			item.Confidence = 1
		}
		kept = append(kept, item)
	}
	return kept, nil
}

// extractJSONObject returns the outermost JSON object embedded in raw, or
// "" when raw contains none. Models sometimes wrap JSON in prose or code
// fences; this strips both.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// extractJSONArray is extractJSONObject for arrays.
func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// markPair records an unordered id pair, reporting whether it was new.
func markPair(seen map[string]bool, a, b string) bool {
	if a == b {
		return false
	}
	pair := []string{a, b}
	sort.Strings(pair)
	key := pair[0] + "|" + pair[1]
	if seen[key] {
		return false
	}
	seen[key] = true
	return true
}

// resultErrors joins per-item provider errors into one message for the
// batch row.
func resultErrors(results []BatchResult) string {
	var msgs []string
	for _, r := range results {
		if r.Err != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", r.CustomID, r.Err))
		}
	}
	if len(msgs) == 0 {
		return "provider reported terminal state"
	}
	const maxShown = 5
	if len(msgs) > maxShown {
		msgs = append(msgs[:maxShown], fmt.Sprintf("and %d more", len(msgs)-maxShown))
	}
	return strings.Join(msgs, "; ")
}
