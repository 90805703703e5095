package config

import "fmt"

// MemoryConfig tunes the LT-Memory pipeline. The zero value is unusable;
// defaults mirror the production tuning.
type MemoryConfig struct {
	// Dimension is the embedding width required of every stored memory.
	Dimension int `yaml:"dimension"`

	// MinImportance is the default importance floor for search. Linking
	// and refinement use ColdStorageFloor instead, which only excludes
	// cold storage.
	MinImportance    float64 `yaml:"min_importance"`
	ColdStorageFloor float64 `yaml:"cold_storage_floor"`

	// SimilarityThreshold is the default cosine floor for vector search.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Oversample multiplies the limit on each hybrid-search leg before
	// fusion.
	Oversample int `yaml:"oversample"`

	// RRFK is the k constant in 1/(k+rank).
	RRFK int `yaml:"rrf_k"`

	// Linking.
	LinkSimilarityThreshold float64 `yaml:"link_similarity_threshold"`
	LinkConfidenceThreshold float64 `yaml:"link_confidence_threshold"`
	MaxLinkTraversalDepth   int     `yaml:"max_link_traversal_depth"`

	// Entity priming.
	FuzzyMatchThreshold  float64 `yaml:"fuzzy_match_threshold"`
	EntityBoostCoeff     float64 `yaml:"entity_boost_coefficient"`
	MaxEntityBoost       float64 `yaml:"max_entity_boost"`
	EntityTypeMatchBonus float64 `yaml:"entity_type_match_bonus"`

	// Refinement.
	VerboseThresholdChars  int `yaml:"verbose_threshold_chars"`
	MinAccessForRefinement int `yaml:"min_access_for_refinement"`
	MinAgeDaysForRefine    int `yaml:"min_age_days_for_refinement"`
	RefinementCooldownDays int `yaml:"refinement_cooldown_days"`
	MaxRejectionCount      int `yaml:"max_rejection_count"`

	// Consolidation.
	ConsolidationSimilarity float64 `yaml:"consolidation_similarity_threshold"`
	ConsolidationConfidence float64 `yaml:"consolidation_confidence_threshold"`
	MinClusterSize          int     `yaml:"min_cluster_size"`

	// Extraction batching.
	ChunkMaxMessages int `yaml:"chunk_max_messages"`
}

func (c *MemoryConfig) setDefaults() {
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.MinImportance == 0 {
		c.MinImportance = 0.1
	}
	if c.ColdStorageFloor == 0 {
		c.ColdStorageFloor = 0.001
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.3
	}
	if c.Oversample == 0 {
		c.Oversample = 2
	}
	if c.RRFK == 0 {
		c.RRFK = 60
	}
	if c.LinkSimilarityThreshold == 0 {
		c.LinkSimilarityThreshold = 0.55
	}
	if c.LinkConfidenceThreshold == 0 {
		c.LinkConfidenceThreshold = 0.6
	}
	if c.MaxLinkTraversalDepth == 0 {
		c.MaxLinkTraversalDepth = 3
	}
	if c.FuzzyMatchThreshold == 0 {
		c.FuzzyMatchThreshold = 0.82
	}
	if c.EntityBoostCoeff == 0 {
		c.EntityBoostCoeff = 0.15
	}
	if c.MaxEntityBoost == 0 {
		c.MaxEntityBoost = 0.5
	}
	if c.EntityTypeMatchBonus == 0 {
		c.EntityTypeMatchBonus = 0.1
	}
	if c.VerboseThresholdChars == 0 {
		c.VerboseThresholdChars = 600
	}
	if c.MinAccessForRefinement == 0 {
		c.MinAccessForRefinement = 3
	}
	if c.MinAgeDaysForRefine == 0 {
		c.MinAgeDaysForRefine = 14
	}
	if c.RefinementCooldownDays == 0 {
		c.RefinementCooldownDays = 30
	}
	if c.MaxRejectionCount == 0 {
		c.MaxRejectionCount = 3
	}
	if c.ConsolidationSimilarity == 0 {
		c.ConsolidationSimilarity = 0.78
	}
	if c.ConsolidationConfidence == 0 {
		c.ConsolidationConfidence = 0.7
	}
	if c.MinClusterSize == 0 {
		c.MinClusterSize = 2
	}
	if c.ChunkMaxMessages == 0 {
		c.ChunkMaxMessages = 40
	}
}

func (c *MemoryConfig) validate() error {
	if c.Dimension != 768 {
		return fmt.Errorf("memory.dimension must be 768, got %d", c.Dimension)
	}
	if c.MinImportance < 0 || c.MinImportance > 1 {
		return fmt.Errorf("memory.min_importance out of [0,1]: %v", c.MinImportance)
	}
	if c.Oversample < 1 {
		return fmt.Errorf("memory.oversample must be >= 1")
	}
	if c.RRFK < 1 {
		return fmt.Errorf("memory.rrf_k must be >= 1")
	}
	return nil
}
