package userdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirahq/mira/pkg/models"
)

// ErrDomaindocNotFound is returned when a section/subsection pair does not
// exist for this user.
var ErrDomaindocNotFound = errors.New("userdata: domaindoc not found")

// UpsertDomaindoc creates or replaces the content of one section (or
// one-level subsection). On content change the previous revision is kept in
// domaindoc_versions.
func (m *Manager) UpsertDomaindoc(ctx context.Context, section, subsection, content string) (*models.Domaindoc, error) {
	if section == "" {
		return nil, errors.New("userdata: domaindoc section required")
	}

	existing, err := m.GetDomaindoc(ctx, section, subsection)
	if err != nil && !errors.Is(err, ErrDomaindocNotFound) {
		return nil, err
	}

	if existing == nil {
		id, err := m.JSONInsert(ctx, "domaindocs", map[string]any{
			"section":            section,
			"subsection":         subsection,
			"encrypted__content": content,
			"sort_order":         m.nextSortOrder(ctx, section),
		})
		if err != nil {
			return nil, err
		}
		return m.domaindocByID(ctx, id)
	}

	if existing.Content != content {
		if err := m.snapshotVersion(ctx, existing); err != nil {
			return nil, err
		}
	}
	if _, err := m.JSONUpdate(ctx, "domaindocs", existing.ID, map[string]any{
		"encrypted__content": content,
	}); err != nil {
		return nil, err
	}
	return m.domaindocByID(ctx, existing.ID)
}

// GetDomaindoc fetches one section/subsection.
func (m *Manager) GetDomaindoc(ctx context.Context, section, subsection string) (*models.Domaindoc, error) {
	rows, err := m.JSONSelect(ctx, "domaindocs", map[string]any{
		"section":    section,
		"subsection": subsection,
	}, "", 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrDomaindocNotFound, section, subsection)
	}
	doc := rowToDomaindoc(rows[0])
	return &doc, nil
}

// ListDomaindocs returns every section for this user, ordered for display.
func (m *Manager) ListDomaindocs(ctx context.Context) ([]models.Domaindoc, error) {
	rows, err := m.JSONSelect(ctx, "domaindocs", nil, "section ASC, sort_order ASC, subsection ASC", 0)
	if err != nil {
		return nil, err
	}
	docs := make([]models.Domaindoc, len(rows))
	for i, row := range rows {
		docs[i] = rowToDomaindoc(row)
	}
	return docs, nil
}

// DeleteDomaindoc removes a section/subsection and its version history.
func (m *Manager) DeleteDomaindoc(ctx context.Context, section, subsection string) error {
	existing, err := m.GetDomaindoc(ctx, section, subsection)
	if err != nil {
		return err
	}
	if _, err := m.JSONDelete(ctx, "domaindoc_versions", map[string]any{"domaindoc_id": existing.ID}); err != nil {
		return err
	}
	n, err := m.JSONDelete(ctx, "domaindocs", map[string]any{"id": existing.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDomaindocNotFound, section, subsection)
	}
	return nil
}

// SetDomaindocFlags updates the display flags. Nil pointers leave a flag
// untouched.
func (m *Manager) SetDomaindocFlags(ctx context.Context, section, subsection string, collapsed, expandedByDefault *bool) error {
	existing, err := m.GetDomaindoc(ctx, section, subsection)
	if err != nil {
		return err
	}
	updates := map[string]any{}
	if collapsed != nil {
		updates["collapsed"] = *collapsed
	}
	if expandedByDefault != nil {
		updates["expanded_by_default"] = *expandedByDefault
	}
	if len(updates) == 0 {
		return nil
	}
	_, err = m.JSONUpdate(ctx, "domaindocs", existing.ID, updates)
	return err
}

// SetDomaindocOrder moves a section to a new sort position.
func (m *Manager) SetDomaindocOrder(ctx context.Context, section, subsection string, sortOrder int) error {
	existing, err := m.GetDomaindoc(ctx, section, subsection)
	if err != nil {
		return err
	}
	_, err = m.JSONUpdate(ctx, "domaindocs", existing.ID, map[string]any{"sort_order": sortOrder})
	return err
}

// DomaindocVersions lists the revision history of one section, newest
// first.
func (m *Manager) DomaindocVersions(ctx context.Context, domaindocID int64, limit int) ([]models.DomaindocVersion, error) {
	rows, err := m.JSONSelect(ctx, "domaindoc_versions", map[string]any{
		"domaindoc_id": domaindocID,
	}, "version DESC", limit)
	if err != nil {
		return nil, err
	}
	versions := make([]models.DomaindocVersion, len(rows))
	for i, row := range rows {
		versions[i] = models.DomaindocVersion{
			ID:          toInt64(row["id"]),
			DomaindocID: toInt64(row["domaindoc_id"]),
			Content:     asString(row["encrypted__content"]),
			Version:     int(toInt64(row["version"])),
			CreatedAt:   parseTime(row["created_at"]),
		}
	}
	return versions, nil
}

// snapshotVersion archives the current content before an overwrite.
func (m *Manager) snapshotVersion(ctx context.Context, doc *models.Domaindoc) error {
	versions, err := m.DomaindocVersions(ctx, doc.ID, 1)
	if err != nil {
		return err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[0].Version + 1
	}
	_, err = m.JSONInsert(ctx, "domaindoc_versions", map[string]any{
		"domaindoc_id":       doc.ID,
		"encrypted__content": doc.Content,
		"version":            next,
	})
	return err
}

func (m *Manager) domaindocByID(ctx context.Context, id int64) (*models.Domaindoc, error) {
	rows, err := m.JSONSelect(ctx, "domaindocs", map[string]any{"id": id}, "", 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrDomaindocNotFound
	}
	doc := rowToDomaindoc(rows[0])
	return &doc, nil
}

// nextSortOrder appends new sections at the end of their section group.
func (m *Manager) nextSortOrder(ctx context.Context, section string) int {
	rows, err := m.JSONSelect(ctx, "domaindocs", map[string]any{"section": section}, "sort_order DESC", 1)
	if err != nil || len(rows) == 0 {
		return 0
	}
	return int(toInt64(rows[0]["sort_order"])) + 1
}

func rowToDomaindoc(row map[string]any) models.Domaindoc {
	return models.Domaindoc{
		ID:                toInt64(row["id"]),
		UserID:            asString(row["user_id"]),
		Section:           asString(row["section"]),
		Subsection:        asString(row["subsection"]),
		Content:           asString(row["encrypted__content"]),
		ExpandedByDefault: toInt64(row["expanded_by_default"]) != 0,
		Collapsed:         toInt64(row["collapsed"]) != 0,
		SortOrder:         int(toInt64(row["sort_order"])),
		CreatedAt:         parseTime(row["created_at"]),
		UpdatedAt:         parseTime(row["updated_at"]),
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
