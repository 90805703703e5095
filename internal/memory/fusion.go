package memory

import (
	"math"
	"sort"

	"github.com/mirahq/mira/pkg/models"
)

// legWeights are the intent-dependent weights applied to each leg's
// reciprocal-rank contribution.
type legWeights struct {
	BM25   float64
	Vector float64
}

// intentWeights returns the leg weighting for a search intent. Unknown
// intents fall back to general.
func intentWeights(intent models.SearchIntent) legWeights {
	switch intent {
	case models.IntentRecall:
		return legWeights{BM25: 0.6, Vector: 0.4}
	case models.IntentExplore:
		return legWeights{BM25: 0.3, Vector: 0.7}
	case models.IntentExact:
		return legWeights{BM25: 0.8, Vector: 0.2}
	default:
		return legWeights{BM25: 0.4, Vector: 0.6}
	}
}

// rrfFuse accumulates reciprocal-rank contributions for every id ranked in
// either leg: w_leg * 1/(k+rank), with rank starting at 1.
func rrfFuse(bm25IDs, vectorIDs []string, w legWeights, k int) map[string]float64 {
	scores := make(map[string]float64, len(bm25IDs)+len(vectorIDs))
	for i, id := range bm25IDs {
		scores[id] += w.BM25 / float64(k+i+1)
	}
	for i, id := range vectorIDs {
		scores[id] += w.Vector / float64(k+i+1)
	}
	return scores
}

// sigmoidNormalize spreads raw RRF scores, which cluster around
// [0.007, 0.016], into a usable score band.
func sigmoidNormalize(raw float64) float64 {
	return 1.0 / (1.0 + math.Exp(-1000.0*(raw-0.009)))
}

// fuseResults merges the two legs into one slice ordered by normalized RRF
// score. When a memory appears in both legs the vector copy wins, since it
// carries the cosine similarity and embedding.
func fuseResults(lexical, vector []*models.Memory, intent models.SearchIntent, k int) []*models.Memory {
	byID := make(map[string]*models.Memory, len(lexical)+len(vector))
	lexIDs := make([]string, len(lexical))
	for i, m := range lexical {
		lexIDs[i] = m.ID
		byID[m.ID] = m
	}
	vecIDs := make([]string, len(vector))
	for i, m := range vector {
		vecIDs[i] = m.ID
		byID[m.ID] = m
	}

	scores := rrfFuse(lexIDs, vecIDs, intentWeights(intent), k)
	out := make([]*models.Memory, 0, len(scores))
	for id, raw := range scores {
		m := byID[id]
		m.RawScore = raw
		m.SimilarityScore = sigmoidNormalize(raw)
		out = append(out, m)
	}
	sortByScore(out)
	return out
}

// sortByScore orders memories by similarity score descending, breaking ties
// by id so results are deterministic.
func sortByScore(memories []*models.Memory) {
	sort.Slice(memories, func(i, j int) bool {
		if memories[i].SimilarityScore != memories[j].SimilarityScore {
			return memories[i].SimilarityScore > memories[j].SimilarityScore
		}
		return memories[i].ID < memories[j].ID
	})
}

func memoryIDs(memories []*models.Memory) []string {
	ids := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	return ids
}
