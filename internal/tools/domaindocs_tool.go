package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/storage/userdata"
)

type domaindocsArgs struct {
	Action string `json:"action" jsonschema:"enum=list,enum=read,enum=update,enum=delete,description=list sections or read/update/delete one"`

	Section    string `json:"section,omitempty" jsonschema:"description=Section name (read/update/delete)"`
	Subsection string `json:"subsection,omitempty" jsonschema:"description=Optional subsection within the section"`
	Content    string `json:"content,omitempty" jsonschema:"description=New content (update). Replaces the section body"`
}

// DomaindocsTool exposes the user's domain documents to the model: the
// living notes MIRA keeps about the user's projects, people and workflows.
type DomaindocsTool struct {
	registry *userdata.Registry
	logger   *observability.Logger
}

// NewDomaindocsTool builds the domaindocs tool over per-user storage.
func NewDomaindocsTool(registry *userdata.Registry, logger *observability.Logger) *DomaindocsTool {
	return &DomaindocsTool{registry: registry, logger: logger.Component("tools.domaindocs")}
}

func (t *DomaindocsTool) Name() string { return "domaindocs_tool" }

func (t *DomaindocsTool) Description() string {
	return "Read and maintain the user's domain documents: durable notes organized into " +
		"sections and subsections. Update a section when its content is stale or the user " +
		"supplies new standing information."
}

func (t *DomaindocsTool) InputSchema() json.RawMessage { return mustSchema(&domaindocsArgs{}) }

func (t *DomaindocsTool) Available(ctx context.Context, userID string) bool {
	return t.registry != nil && userID != ""
}

func (t *DomaindocsTool) Run(ctx context.Context, args map[string]any) (string, error) {
	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return "", fmt.Errorf("domaindocs_tool: %w", err)
	}
	manager, err := t.registry.ForUser(userID)
	if err != nil {
		return "", fmt.Errorf("domaindocs_tool: open user storage: %w", err)
	}

	var input domaindocsArgs
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}

	switch input.Action {
	case "list":
		return t.list(ctx, manager)
	case "read":
		return t.read(ctx, manager, input)
	case "update":
		return t.update(ctx, manager, input)
	case "delete":
		return t.delete(ctx, manager, input)
	default:
		return "", fmt.Errorf("domaindocs_tool: unsupported action %q", input.Action)
	}
}

func (t *DomaindocsTool) list(ctx context.Context, manager *userdata.Manager) (string, error) {
	docs, err := manager.ListDomaindocs(ctx)
	if err != nil {
		return "", fmt.Errorf("domaindocs_tool: list: %w", err)
	}

	type entry struct {
		Section    string `json:"section"`
		Subsection string `json:"subsection,omitempty"`
		Collapsed  bool   `json:"collapsed"`
		UpdatedAt  string `json:"updated_at"`
	}
	entries := make([]entry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, entry{
			Section:    d.Section,
			Subsection: d.Subsection,
			Collapsed:  d.Collapsed,
			UpdatedAt:  d.UpdatedAt.UTC().Format("2006-01-02"),
		})
	}
	return jsonResult(map[string]any{"sections": entries, "count": len(entries)})
}

func (t *DomaindocsTool) read(ctx context.Context, manager *userdata.Manager, input domaindocsArgs) (string, error) {
	if strings.TrimSpace(input.Section) == "" {
		return "", fmt.Errorf("domaindocs_tool: read requires a section")
	}
	doc, err := manager.GetDomaindoc(ctx, input.Section, input.Subsection)
	if errors.Is(err, userdata.ErrDomaindocNotFound) {
		return jsonResult(map[string]any{"found": false})
	}
	if err != nil {
		return "", fmt.Errorf("domaindocs_tool: read: %w", err)
	}
	return jsonResult(map[string]any{
		"found":      true,
		"section":    doc.Section,
		"subsection": doc.Subsection,
		"content":    doc.Content,
		"updated_at": doc.UpdatedAt.UTC().Format("2006-01-02"),
	})
}

func (t *DomaindocsTool) update(ctx context.Context, manager *userdata.Manager, input domaindocsArgs) (string, error) {
	if strings.TrimSpace(input.Section) == "" {
		return "", fmt.Errorf("domaindocs_tool: update requires a section")
	}
	if strings.TrimSpace(input.Content) == "" {
		return "", fmt.Errorf("domaindocs_tool: update requires content")
	}

	doc, err := manager.UpsertDomaindoc(ctx, input.Section, input.Subsection, input.Content)
	if err != nil {
		return "", fmt.Errorf("domaindocs_tool: update: %w", err)
	}
	t.logger.WithContext(ctx).Info("domaindoc updated via tool",
		"section", doc.Section, "subsection", doc.Subsection)
	return jsonResult(map[string]any{"updated": true, "section": doc.Section, "subsection": doc.Subsection})
}

func (t *DomaindocsTool) delete(ctx context.Context, manager *userdata.Manager, input domaindocsArgs) (string, error) {
	if strings.TrimSpace(input.Section) == "" {
		return "", fmt.Errorf("domaindocs_tool: delete requires a section")
	}
	err := manager.DeleteDomaindoc(ctx, input.Section, input.Subsection)
	if errors.Is(err, userdata.ErrDomaindocNotFound) {
		return jsonResult(map[string]any{"deleted": false, "found": false})
	}
	if err != nil {
		return "", fmt.Errorf("domaindocs_tool: delete: %w", err)
	}
	return jsonResult(map[string]any{"deleted": true})
}
