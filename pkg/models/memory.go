package models

import (
	"time"
)

// EmbeddingDim is the required dimension for memory and segment embeddings.
const EmbeddingDim = 768

// EntityEmbeddingDim is the dimension of the lightweight entity encoder.
const EntityEmbeddingDim = 300

// LinkType classifies the relationship between two memories. The classifier
// may emit the extended set; persistence canonicalizes to the storage set
// (related, supports, conflicts, supersedes).
type LinkType string

const (
	LinkRelated       LinkType = "related"
	LinkSupports      LinkType = "supports"
	LinkConflicts     LinkType = "conflicts"
	LinkSupersedes    LinkType = "supersedes"
	LinkCauses        LinkType = "causes"
	LinkInstanceOf    LinkType = "instance_of"
	LinkInvalidatedBy LinkType = "invalidated_by"
	LinkMotivatedBy   LinkType = "motivated_by"
	// LinkNone means "no relationship, do not persist".
	LinkNone LinkType = "null"
)

// ClassifierLinkTypes is the full set the relationship classifier may emit.
var ClassifierLinkTypes = []LinkType{
	LinkRelated, LinkSupports, LinkConflicts, LinkSupersedes,
	LinkCauses, LinkInstanceOf, LinkInvalidatedBy, LinkMotivatedBy, LinkNone,
}

// ValidLinkType reports whether t is a member of the classifier set.
func ValidLinkType(t LinkType) bool {
	for _, v := range ClassifierLinkTypes {
		if t == v {
			return true
		}
	}
	return false
}

// CanonicalLinkType reduces the classifier's extended set to the storage
// set. Causal, instance and motivation edges persist as related;
// invalidation persists as supersedes.
func CanonicalLinkType(t LinkType) LinkType {
	switch t {
	case LinkRelated, LinkSupports, LinkConflicts, LinkSupersedes:
		return t
	case LinkCauses, LinkInstanceOf, LinkMotivatedBy:
		return LinkRelated
	case LinkInvalidatedBy:
		return LinkSupersedes
	default:
		return LinkNone
	}
}

// MemoryLink is one endpoint's record of a typed edge to another memory.
// Links are materialized bidirectionally: the same entry (with the same type
// and confidence) appears on both memories or on neither.
type MemoryLink struct {
	UUID       string    `json:"uuid"`
	Type       LinkType  `json:"type"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// EntityLink references an entity from a memory.
type EntityLink struct {
	UUID       string  `json:"uuid"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Memory is a single long-term memory: a fact with an embedding, importance
// weighting and graph edges. SimilarityScore and RawScore are transient,
// populated by search and never persisted.
type Memory struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`

	Embedding []float32 `json:"-"`

	ImportanceScore float64 `json:"importance_score"`
	Confidence      float64 `json:"confidence"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	HappensAt *time.Time `json:"happens_at,omitempty"`

	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	ActivityDays int        `json:"activity_days"`

	InboundLinks  []MemoryLink `json:"inbound_links,omitempty"`
	OutboundLinks []MemoryLink `json:"outbound_links,omitempty"`
	EntityLinks   []EntityLink `json:"entity_links,omitempty"`

	IsArchived bool       `json:"is_archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	IsRefined                bool       `json:"is_refined"`
	LastRefinedAt            *time.Time `json:"last_refined_at,omitempty"`
	RefinementRejectionCount int        `json:"refinement_rejection_count"`

	// Transient search scores.
	SimilarityScore float64 `json:"similarity_score,omitempty"`
	RawScore        float64 `json:"-"`
}

// ColdStorage reports whether the memory is in cold storage
// (importance 0.0), excluded from most queries.
func (m *Memory) ColdStorage() bool {
	return m.ImportanceScore == 0
}

// Expired reports whether the memory has an expiry in the past.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// EntityType is the coarse category of a named entity.
type EntityType string

const (
	EntityPerson   EntityType = "PERSON"
	EntityOrg      EntityType = "ORG"
	EntityProduct  EntityType = "PRODUCT"
	EntityLocation EntityType = "LOCATION"
	EntityEvent    EntityType = "EVENT"
	EntityOther    EntityType = "OTHER"
)

// Entity is a per-user named thing referenced by memories.
type Entity struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	EntityType   EntityType `json:"entity_type"`
	Embedding    []float32  `json:"-"`
	LinkCount    int        `json:"link_count"`
	LastLinkedAt *time.Time `json:"last_linked_at,omitempty"`
	IsArchived   bool       `json:"is_archived"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ExtractedEntity is an entity mention proposed by the extraction pass.
type ExtractedEntity struct {
	Name string     `json:"name"`
	Type EntityType `json:"type"`
}

// ExtractedMemory is a candidate memory emitted by the extraction LLM pass,
// before persistence assigns ids and embeddings.
type ExtractedMemory struct {
	Text            string     `json:"text"`
	ImportanceScore float64    `json:"importance_score"`
	Confidence      float64    `json:"confidence"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	HappensAt       *time.Time `json:"happens_at,omitempty"`

	Entities []ExtractedEntity `json:"entities,omitempty"`

	RelatedMemoryIDs      []string `json:"related_memory_ids,omitempty"`
	ConsolidatesMemoryIDs []string `json:"consolidates_memory_ids,omitempty"`
	RelationshipType      LinkType `json:"relationship_type,omitempty"`
}

// ProcessingChunk is an ordered, non-empty slice of messages handed to the
// extraction pipeline, with the memory context snapshotted at chunk time.
type ProcessingChunk struct {
	Messages      []Message `json:"messages"`
	TemporalStart time.Time `json:"temporal_start"`
	TemporalEnd   time.Time `json:"temporal_end"`
	ChunkIndex    int       `json:"chunk_index"`
	MemoryContext string    `json:"memory_context,omitempty"`
}

// SearchIntent selects the leg weighting for hybrid search.
type SearchIntent string

const (
	IntentGeneral SearchIntent = "general"
	IntentRecall  SearchIntent = "recall"
	IntentExplore SearchIntent = "explore"
	IntentExact   SearchIntent = "exact"
)
