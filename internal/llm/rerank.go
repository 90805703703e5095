package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// rerankSystemPrompt drives the listwise rerank completion.
const rerankSystemPrompt = `You rank candidate passages by relevance to a query.
Return a JSON object of the form {"ranking": [i, j, ...]} where the values are
zero-based passage indices ordered from most to least relevant. Include every
index exactly once.`

// rerankSnippetChars bounds each candidate passage in the rerank prompt.
const rerankSnippetChars = 400

// Rerank orders documents by relevance to query using a listwise JSON
// completion, returning at most topK indices into documents. It implements
// the optional reranker capability of the memory service.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topK int) ([]int, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(documents) {
		topK = len(documents)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nPassages:\n", query)
	for i, doc := range documents {
		snippet := doc
		if len(snippet) > rerankSnippetChars {
			snippet = snippet[:rerankSnippetChars]
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i, snippet)
	}

	raw, err := c.CompleteJSON(ctx, rerankSystemPrompt, sb.String(), 0)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	return parseRanking(raw, len(documents), topK)
}

// parseRanking decodes a {"ranking": [...]} payload, dropping out-of-range
// and duplicate indices.
func parseRanking(raw string, docCount, topK int) ([]int, error) {
	var parsed struct {
		Ranking []int `json:"ranking"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("rerank: decode ranking: %w", err)
	}

	seen := make(map[int]bool, docCount)
	out := make([]int, 0, topK)
	for _, idx := range parsed.Ranking {
		if idx < 0 || idx >= docCount || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
		if len(out) == topK {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rerank: ranking carried no valid indices")
	}
	return out, nil
}
