package continuum

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mirahq/mira/internal/llm"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/prompts"
	"github.com/mirahq/mira/pkg/models"
)

// ErrNoDisplayTitle reports a summarizer response without a usable title.
// The collapse path falls back to a tombstone.
var ErrNoDisplayTitle = errors.New("summary carries no display title")

// Summary is the collapse payload produced from a segment's turns.
type Summary struct {
	Synopsis     string
	DisplayTitle string
	Complexity   int
}

// SummaryGenerator produces a Summary for a segment's messages. toolsUsed
// names the tools invoked during the segment, for prompt context.
type SummaryGenerator interface {
	GenerateSummary(ctx context.Context, messages []models.Message, toolsUsed []string) (*Summary, error)
}

// SummaryClient is the slice of the LLM client the summarizer needs.
type SummaryClient interface {
	GenerateResponse(ctx context.Context, req llm.Request) (*llm.Response, error)
	SummaryModel() string
}

// LLMSummarizer generates summaries through the configured summary model.
// On context overflow it falls back to hierarchical summarization: the
// transcript is sliced at a character budget, each slice summarized alone,
// and the slice synopses merged in a synthesis pass.
type LLMSummarizer struct {
	client     SummaryClient
	prompts    *prompts.Store
	chunkChars int
	logger     *observability.Logger
}

// NewLLMSummarizer builds the production summarizer. chunkChars is the
// per-slice budget for the overflow fallback.
func NewLLMSummarizer(client SummaryClient, store *prompts.Store, chunkChars int, logger *observability.Logger) *LLMSummarizer {
	if chunkChars <= 0 {
		chunkChars = 200_000
	}
	return &LLMSummarizer{
		client:     client,
		prompts:    store,
		chunkChars: chunkChars,
		logger:     logger.Component("continuum.summary"),
	}
}

// GenerateSummary summarizes the segment transcript. Notifications and
// sentinels never reach the prompt.
func (g *LLMSummarizer) GenerateSummary(ctx context.Context, messages []models.Message, toolsUsed []string) (*Summary, error) {
	transcript := Transcript(messages)
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("segment transcript is empty")
	}

	summary, err := g.summarizeTranscript(ctx, transcript, toolsUsed)
	if err == nil || !llm.IsContextOverflow(err) {
		return summary, err
	}

	g.logger.WithContext(ctx).Info("transcript overflows summary context, falling back to chunked summarization",
		"transcript_chars", len(transcript), "chunk_chars", g.chunkChars)
	return g.summarizeChunked(ctx, transcript, toolsUsed)
}

func (g *LLMSummarizer) summarizeTranscript(ctx context.Context, transcript string, toolsUsed []string) (*Summary, error) {
	prompt, err := g.prompts.Render(prompts.SegmentSummary, prompts.SegmentSummaryData{
		Transcript: transcript,
		ToolsUsed:  strings.Join(toolsUsed, ", "),
	})
	if err != nil {
		return nil, err
	}
	return g.complete(ctx, prompt)
}

func (g *LLMSummarizer) summarizeChunked(ctx context.Context, transcript string, toolsUsed []string) (*Summary, error) {
	chunks := splitTranscript(transcript, g.chunkChars)
	synopses := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		s, err := g.summarizeTranscript(ctx, chunk, toolsUsed)
		if err != nil && !errors.Is(err, ErrNoDisplayTitle) {
			return nil, fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if s != nil {
			synopses = append(synopses, s.Synopsis)
		}
	}
	if len(synopses) == 0 {
		return nil, fmt.Errorf("chunked summarization produced no synopses")
	}

	prompt, err := g.prompts.Render(prompts.SummarySynthesis, prompts.SynthesisData{
		Synopses: strings.Join(synopses, "\n\n---\n\n"),
	})
	if err != nil {
		return nil, err
	}
	return g.complete(ctx, prompt)
}

func (g *LLMSummarizer) complete(ctx context.Context, prompt string) (*Summary, error) {
	msg, err := models.NewUserMessage(prompt)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.GenerateResponse(ctx, llm.Request{
		Messages: []models.Message{msg},
		Model:    g.client.SummaryModel(),
	})
	if err != nil {
		return nil, err
	}
	return parseSummary(llm.ExtractTextContent(resp))
}

var (
	titleTagRe      = regexp.MustCompile(`(?s)<mira:display_title>\s*(.*?)\s*</mira:display_title>`)
	complexityTagRe = regexp.MustCompile(`<mira:complexity>\s*(\d)\s*</mira:complexity>`)
	tagLineRe       = regexp.MustCompile(`(?m)^\s*<mira:(display_title|complexity)>.*</mira:(display_title|complexity)>\s*$`)
)

// parseSummary pulls the title and complexity tags out of the summarizer
// output. A missing or empty title returns ErrNoDisplayTitle; a missing or
// out-of-range complexity defaults to 2.
func parseSummary(text string) (*Summary, error) {
	titleMatch := titleTagRe.FindStringSubmatch(text)
	if titleMatch == nil || strings.TrimSpace(titleMatch[1]) == "" {
		return nil, ErrNoDisplayTitle
	}

	complexity := 2
	if m := complexityTagRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v >= 1 && v <= 3 {
			complexity = v
		}
	}

	synopsis := strings.TrimSpace(tagLineRe.ReplaceAllString(text, ""))
	if synopsis == "" {
		return nil, ErrNoDisplayTitle
	}
	return &Summary{
		Synopsis:     synopsis,
		DisplayTitle: strings.TrimSpace(titleMatch[1]),
		Complexity:   complexity,
	}, nil
}

// Transcript renders messages as role-labelled lines for the summary prompt.
// Sentinels and notifications are skipped; tool turns keep their result text.
func Transcript(messages []models.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.IsSegmentBoundary() || m.IsNotification() {
			continue
		}
		text := messageTranscriptText(m)
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
	}
	return sb.String()
}

func messageTranscriptText(m models.Message) string {
	var parts []string
	for _, b := range m.Content {
		switch b.Type {
		case models.ContentTypeText:
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		case models.ContentTypeToolUse:
			parts = append(parts, fmt.Sprintf("[called %s]", b.Name))
		case models.ContentTypeToolResult:
			if t := strings.TrimSpace(b.Content); t != "" {
				parts = append(parts, t)
			}
		case models.ContentTypeImage:
			parts = append(parts, "[image]")
		}
	}
	return strings.Join(parts, " ")
}

// splitTranscript slices the transcript at line boundaries so each slice
// stays within the character budget. A single line longer than the budget
// becomes its own slice rather than being cut mid-line.
func splitTranscript(transcript string, budget int) []string {
	lines := strings.SplitAfter(transcript, "\n")
	var chunks []string
	var current strings.Builder
	for _, line := range lines {
		if current.Len() > 0 && current.Len()+len(line) > budget {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
