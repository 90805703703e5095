package orchestrator

import (
	"context"
	"strings"

	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/internal/prompts"
	"github.com/mirahq/mira/pkg/models"
)

// fallbackSystem keeps chat alive when the template store misbehaves.
const fallbackSystem = "You are MIRA, a personal assistant with durable long-term memory."

// buildSystem assembles the system prompt for one turn. Context enrichment
// is fail-soft: a broken domaindoc read or memory search degrades the prompt,
// never the chat.
func (o *Orchestrator) buildSystem(ctx context.Context, userID, query string) string {
	now := o.now().In(o.cfg.Location())
	data := prompts.ChatSystemData{
		CurrentDate:   now.Format("Monday, January 2, 2006"),
		TimeZone:      o.cfg.Timezone,
		DomainContext: o.domainContext(ctx, userID),
		MemoryContext: o.memoryContext(ctx, query),
	}

	system, err := o.prompts.Render(prompts.ChatSystem, data)
	if err != nil {
		o.logger.WithContext(ctx).Error("render chat system prompt", "error", err)
		return fallbackSystem
	}
	return system
}

func (o *Orchestrator) domainContext(ctx context.Context, userID string) string {
	if o.domaindocs == nil {
		return ""
	}
	docs, err := o.domaindocs.DomaindocsForUser(ctx, userID)
	if err != nil {
		o.logger.WithContext(ctx).Warn("load domaindocs for prompt", "error", err)
		return ""
	}
	return renderDomaindocs(docs)
}

func (o *Orchestrator) memoryContext(ctx context.Context, query string) string {
	if o.memory == nil {
		return ""
	}
	memories, err := o.memory.HybridSearch(ctx, memory.SearchParams{
		QueryText: query,
		Intent:    models.IntentGeneral,
	})
	if err != nil {
		o.logger.WithContext(ctx).Warn("prime memories for prompt", "error", err)
		return ""
	}
	return renderMemories(memories)
}

// renderDomaindocs lays out sections as markdown headings. Collapsed rows are
// invisible; rows not expanded by default appear as stubs the model can
// retrieve on demand.
func renderDomaindocs(docs []models.Domaindoc) string {
	var sb strings.Builder
	section := ""
	for _, doc := range docs {
		if doc.Collapsed {
			continue
		}
		if doc.Section != section {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("## " + doc.Section + "\n")
			section = doc.Section
		}
		if doc.Subsection != "" {
			sb.WriteString("### " + doc.Subsection + "\n")
		}
		if doc.ExpandedByDefault {
			sb.WriteString(doc.Content + "\n")
		} else {
			sb.WriteString("(collapsed; retrieve with the domaindocs tool)\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderMemories(memories []*models.Memory) string {
	var sb strings.Builder
	for _, m := range memories {
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		sb.WriteString("- " + text + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
