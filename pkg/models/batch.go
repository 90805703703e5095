package models

import "time"

// BatchState tracks asynchronous LLM batch jobs.
type BatchState string

const (
	BatchSubmitted  BatchState = "submitted"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
	BatchExpired    BatchState = "expired"
	BatchCancelled  BatchState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchExpired, BatchCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal move. Re-applying the
// current state is always legal so that replayed callbacks stay idempotent.
func (s BatchState) CanTransition(next BatchState) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch s {
	case BatchSubmitted:
		return next == BatchProcessing || next.Terminal()
	case BatchProcessing:
		return next.Terminal()
	}
	return false
}

// ExtractionBatch records one segment-extraction job submitted to the
// provider batch API.
type ExtractionBatch struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	SegmentID       string     `json:"segment_id"`
	ProviderBatchID string     `json:"provider_batch_id,omitempty"`
	State           BatchState `json:"state"`
	ChunkCount      int        `json:"chunk_count"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// PostProcessingKind distinguishes the downstream batch passes.
type PostProcessingKind string

const (
	PostProcessRelationships       PostProcessingKind = "relationship_classification"
	PostProcessConsolidation       PostProcessingKind = "consolidation"
	PostProcessConsolidationReview PostProcessingKind = "consolidation_review"
)

// PostProcessingBatch records one post-processing job and its outcome
// counters.
type PostProcessingBatch struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	Kind            PostProcessingKind `json:"kind"`
	ProviderBatchID string             `json:"provider_batch_id,omitempty"`
	State           BatchState         `json:"state"`

	ItemsSubmitted   int `json:"items_submitted"`
	ItemsCompleted   int `json:"items_completed"`
	ItemsFailed      int `json:"items_failed"`
	LinksCreated     int `json:"links_created"`
	ConflictsFlagged int `json:"conflicts_flagged"`

	// Payload carries kind-specific submission data needed to apply
	// results later (cluster membership, merge proposals). Opaque to the
	// batch store.
	Payload map[string]any `json:"payload,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RefinementCandidate identifies a memory selected for verbose trimming.
type RefinementCandidate struct {
	MemoryID    string `json:"memory_id"`
	TextLength  int    `json:"text_length"`
	AccessCount int    `json:"access_count"`
	AgeDays     int    `json:"age_days"`
	Reason      string `json:"reason,omitempty"`
}

// ConsolidationCluster groups a hub memory with its near-duplicate members
// for a merge decision.
type ConsolidationCluster struct {
	HubID      string   `json:"hub_id"`
	MemberIDs  []string `json:"member_ids"`
	Confidence float64  `json:"confidence"`
}
