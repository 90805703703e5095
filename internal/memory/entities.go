package memory

import (
	"context"
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/text/unicode/norm"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// fuzzyPoolSize is how many of the user's most-linked entities are
// considered for fuzzy matching.
const fuzzyPoolSize = 100

// entityTypeWeights order the boost contribution by how identifying a
// matched entity is: a person name pins a memory harder than a generic
// location.
var entityTypeWeights = map[models.EntityType]float64{
	models.EntityPerson:   1.0,
	models.EntityOrg:      0.9,
	models.EntityProduct:  0.8,
	models.EntityEvent:    0.7,
	models.EntityLocation: 0.6,
	models.EntityOther:    0.4,
}

func typeWeight(t models.EntityType) float64 {
	if w, ok := entityTypeWeights[t]; ok {
		return w
	}
	return entityTypeWeights[models.EntityOther]
}

// queryStopwords are capitalized-by-grammar words that never name an
// entity: question openers, pronouns, fillers.
var queryStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "i": true, "me": true, "my": true,
	"you": true, "your": true, "we": true, "our": true, "he": true,
	"she": true, "they": true, "it": true, "his": true, "her": true,
	"their": true, "what": true, "who": true, "whom": true, "whose": true,
	"when": true, "where": true, "why": true, "how": true, "which": true,
	"did": true, "do": true, "does": true, "is": true, "are": true,
	"was": true, "were": true, "will": true, "would": true, "can": true,
	"could": true, "should": true, "tell": true, "show": true,
	"find": true, "remind": true, "remember": true, "about": true,
	"please": true, "hey": true, "hi": true, "hello": true, "ok": true,
	"okay": true, "yes": true, "no": true, "today": true,
	"tomorrow": true, "yesterday": true, "and": true, "or": true,
	"but": true, "if": true, "then": true, "that": true, "this": true,
}

// queryEntity is a candidate entity mention pulled from query text. Type is
// empty when the extraction heuristic has no signal.
type queryEntity struct {
	Name string
	Type models.EntityType
}

// MatchedEntity pairs a stored entity with the confidence of its match
// against the query: 1.0 for exact name matches, the fuzzy score otherwise.
type MatchedEntity struct {
	Entity     *models.Entity
	Confidence float64
}

// EntityMatcher resolves query text against the user's known entities and
// computes the resulting score boost.
type EntityMatcher struct {
	store  *Store
	cfg    config.MemoryConfig
	logger *observability.Logger
}

// NewEntityMatcher wires the matcher onto the store.
func NewEntityMatcher(store *Store, cfg config.MemoryConfig, logger *observability.Logger) *EntityMatcher {
	return &EntityMatcher{
		store:  store,
		cfg:    cfg,
		logger: logger.Component("memory.entities"),
	}
}

// MatchQueryEntities extracts entity mentions from queryText and resolves
// them: first by case-insensitive exact name match, then fuzzily against
// the user's top entities by link count.
func (e *EntityMatcher) MatchQueryEntities(ctx context.Context, queryText string) ([]MatchedEntity, error) {
	candidates := extractQueryEntities(queryText)
	if len(candidates) == 0 {
		return nil, nil
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	exact, err := e.store.ExactEntities(ctx, names)
	if err != nil {
		return nil, err
	}

	matched := make([]MatchedEntity, 0, len(candidates))
	matchedIDs := make(map[string]bool, len(exact))
	exactNames := make(map[string]bool, len(exact))
	for _, ent := range exact {
		matched = append(matched, MatchedEntity{Entity: ent, Confidence: 1.0})
		matchedIDs[ent.ID] = true
		exactNames[strings.ToLower(ent.Name)] = true
	}

	var unresolved []queryEntity
	for _, c := range candidates {
		if !exactNames[strings.ToLower(c.Name)] {
			unresolved = append(unresolved, c)
		}
	}
	if len(unresolved) == 0 {
		return matched, nil
	}

	pool, err := e.store.TopEntitiesByLinkCount(ctx, fuzzyPoolSize)
	if err != nil {
		// Exact matches are still usable without the fuzzy pass.
		e.logger.WithContext(ctx).Warn("fuzzy entity pool unavailable", "error", err)
		return matched, nil
	}

	for _, c := range unresolved {
		ent, score := bestFuzzyMatch(c, pool, e.cfg)
		if ent == nil || matchedIDs[ent.ID] {
			continue
		}
		matchedIDs[ent.ID] = true
		matched = append(matched, MatchedEntity{Entity: ent, Confidence: score})
	}
	return matched, nil
}

// bestFuzzyMatch scores the candidate against every pool entity and returns
// the best one at or above the acceptance threshold. A matching entity type
// earns a bonus on top of the string score.
func bestFuzzyMatch(c queryEntity, pool []*models.Entity, cfg config.MemoryConfig) (*models.Entity, float64) {
	var (
		best      *models.Entity
		bestScore float64
	)
	name := strings.ToLower(c.Name)
	for _, ent := range pool {
		score := fuzzyRatio(name, strings.ToLower(ent.Name))
		if c.Type != "" && c.Type == ent.EntityType {
			score += cfg.EntityTypeMatchBonus
		}
		if score > bestScore {
			best = ent
			bestScore = score
		}
	}
	if bestScore < cfg.FuzzyMatchThreshold {
		return nil, 0
	}
	if bestScore > 1 {
		bestScore = 1
	}
	return best, bestScore
}

// fuzzyRatio computes a similarity ratio in [0,1] between two strings:
// twice the diff-equal length over the combined length.
func fuzzyRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	dmp := diffmatchpatch.New()
	common := 0
	for _, d := range dmp.DiffMain(a, b, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			common += len(d.Text)
		}
	}
	return 2 * float64(common) / float64(len(a)+len(b))
}

// extractQueryEntities pulls capitalized phrases out of query text. Type
// guesses come from cheap context: "at X" reads as an organization,
// "in X" as a location, and corporate suffixes as organizations.
func extractQueryEntities(queryText string) []queryEntity {
	words := strings.Fields(norm.NFC.String(queryText))
	if len(words) == 0 {
		return nil
	}

	type token struct {
		text string
		prev string
	}
	var tokens []token
	prev := ""
	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed != "" {
			tokens = append(tokens, token{text: trimmed, prev: prev})
			prev = strings.ToLower(trimmed)
		}
	}

	var out []queryEntity
	seen := make(map[string]bool)
	add := func(name string, typ models.EntityType) {
		key := strings.ToLower(name)
		if name == "" || seen[key] || len(out) >= 8 {
			return
		}
		seen[key] = true
		out = append(out, queryEntity{Name: name, Type: typ})
	}

	for i := 0; i < len(tokens); i++ {
		if !isEntityToken(tokens[i].text) {
			continue
		}
		j := i
		for j+1 < len(tokens) && isEntityToken(tokens[j+1].text) {
			j++
		}
		parts := make([]string, 0, j-i+1)
		for k := i; k <= j; k++ {
			parts = append(parts, tokens[k].text)
		}
		phrase := strings.Join(parts, " ")
		typ := guessEntityType(parts, tokens[i].prev)
		add(phrase, typ)
		if len(parts) > 1 {
			for _, p := range parts {
				add(p, "")
			}
		}
		i = j
	}
	return out
}

func isEntityToken(word string) bool {
	runes := []rune(word)
	if len(runes) == 0 || !unicode.IsUpper(runes[0]) {
		return false
	}
	return !queryStopwords[strings.ToLower(word)]
}

func guessEntityType(parts []string, precedingWord string) models.EntityType {
	last := strings.ToLower(parts[len(parts)-1])
	switch last {
	case "inc", "corp", "ltd", "llc", "labs", "co":
		return models.EntityOrg
	}
	switch precedingWord {
	case "at":
		return models.EntityOrg
	case "in", "near", "from":
		return models.EntityLocation
	}
	return ""
}

// applyEntityBoost multiplies each memory's similarity score by (1+boost)
// when the memory links to at least one matched entity.
func applyEntityBoost(memories []*models.Memory, matched []MatchedEntity, cfg config.MemoryConfig) {
	if len(matched) == 0 {
		return
	}
	byID := make(map[string]MatchedEntity, len(matched))
	for _, me := range matched {
		byID[me.Entity.ID] = me
	}
	for _, m := range memories {
		if boost := entityBoost(m, byID, cfg); boost > 0 {
			m.SimilarityScore *= 1 + boost
		}
	}
}

// entityBoost sums confidence-weighted type weights over the matched
// entities the memory links to, capped at MaxEntityBoost.
func entityBoost(m *models.Memory, matched map[string]MatchedEntity, cfg config.MemoryConfig) float64 {
	var boost float64
	for _, link := range m.EntityLinks {
		me, ok := matched[link.UUID]
		if !ok {
			continue
		}
		conf := link.Confidence
		if conf <= 0 {
			conf = 1
		}
		boost += conf * typeWeight(me.Entity.EntityType) * cfg.EntityBoostCoeff
	}
	if boost > cfg.MaxEntityBoost {
		boost = cfg.MaxEntityBoost
	}
	return boost
}
