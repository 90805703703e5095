package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mirahq/mira/internal/continuum"
	"github.com/mirahq/mira/internal/storage/userdata"
	"github.com/mirahq/mira/pkg/models"
)

type fakeRows struct {
	insertID  string
	insertErr error

	selectRows []map[string]any

	updateN int64
	deleteN int64

	gotTable   string
	gotData    map[string]any
	gotFilters map[string]any
	gotOrderBy string
	gotLimit   int
	gotID      string
	gotUpdates map[string]any
}

func (f *fakeRows) JSONInsert(ctx context.Context, table string, data map[string]any) (string, error) {
	f.gotTable, f.gotData = table, data
	if f.insertErr != nil {
		return "", f.insertErr
	}
	return f.insertID, nil
}

func (f *fakeRows) JSONSelect(ctx context.Context, table string, filters map[string]any, orderBy string, limit int) ([]map[string]any, error) {
	f.gotTable, f.gotFilters, f.gotOrderBy, f.gotLimit = table, filters, orderBy, limit
	return f.selectRows, nil
}

func (f *fakeRows) JSONUpdate(ctx context.Context, table, id string, updates map[string]any) (int64, error) {
	f.gotTable, f.gotID, f.gotUpdates = table, id, updates
	return f.updateN, nil
}

func (f *fakeRows) JSONDelete(ctx context.Context, table string, filters map[string]any) (int64, error) {
	f.gotTable, f.gotFilters = table, filters
	return f.deleteN, nil
}

type fakeContinuums struct {
	record    *continuum.Record
	recordErr error

	postponed    time.Time
	gotPostponed int

	sentinel    models.Message
	hasSentinel bool
	sentinelErr error
}

func (f *fakeContinuums) PrimaryForUser(ctx context.Context) (*continuum.Record, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	return f.record, nil
}

// PostponeCollapse mirrors the store contract: out-of-range minutes come
// back wrapped in ErrPostponeRange.
func (f *fakeContinuums) PostponeCollapse(ctx context.Context, continuumID string, minutes int) (time.Time, error) {
	if minutes < 1 || minutes > 1440 {
		return time.Time{}, fmt.Errorf("%w: got %d", continuum.ErrPostponeRange, minutes)
	}
	f.gotPostponed = minutes
	return f.postponed, nil
}

func (f *fakeContinuums) ActiveSentinel(ctx context.Context, continuumID string) (models.Message, bool, error) {
	if f.sentinelErr != nil {
		return models.Message{}, false, f.sentinelErr
	}
	return f.sentinel, f.hasSentinel, nil
}

type fakeCollapser struct {
	err error

	gotContinuumID string
	gotSegmentID   string
}

func (f *fakeCollapser) CollapseSegment(ctx context.Context, continuumID, segmentID string) error {
	f.gotContinuumID, f.gotSegmentID = continuumID, segmentID
	return f.err
}

type fakeDocs struct {
	doc  *models.Domaindoc
	docs []models.Domaindoc
	err  error

	gotSection    string
	gotSubsection string
	gotContent    string
	gotCollapsed  *bool
	gotExpanded   *bool
	deleted       bool
}

func (f *fakeDocs) UpsertDomaindoc(ctx context.Context, section, subsection, content string) (*models.Domaindoc, error) {
	f.gotSection, f.gotSubsection, f.gotContent = section, subsection, content
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeDocs) GetDomaindoc(ctx context.Context, section, subsection string) (*models.Domaindoc, error) {
	f.gotSection, f.gotSubsection = section, subsection
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeDocs) ListDomaindocs(ctx context.Context) ([]models.Domaindoc, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

func (f *fakeDocs) DeleteDomaindoc(ctx context.Context, section, subsection string) error {
	f.gotSection, f.gotSubsection = section, subsection
	f.deleted = true
	return f.err
}

func (f *fakeDocs) SetDomaindocFlags(ctx context.Context, section, subsection string, collapsed, expandedByDefault *bool) error {
	f.gotSection, f.gotSubsection = section, subsection
	f.gotCollapsed, f.gotExpanded = collapsed, expandedByDefault
	return f.err
}

func TestActionsRejectsUnknownDomain(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "calendar", "create", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
	if env.Error == nil || env.Error.Code != "unknown_domain" {
		t.Fatalf("error = %+v", env.Error)
	}
	if !strings.Contains(env.Error.Message, "calendar") {
		t.Errorf("message %q does not name the domain", env.Error.Message)
	}
}

func TestActionsRejectsUnknownAction(t *testing.T) {
	fx := newTestServer(t)

	for _, domain := range []string{"reminder", "memory", "user", "contacts", "continuum", "domain_knowledge"} {
		status, env := fx.action(t, fx.token(t), domain, "explode", nil)
		if status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", domain, status)
			continue
		}
		if env.Error == nil || !strings.Contains(env.Error.Message, "unknown") {
			t.Errorf("%s: message = %+v, want to mention unknown action", domain, env.Error)
		}
	}
}

func TestActionsRejectsMissingDomainAndAction(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "", "create", nil)
	if status != http.StatusBadRequest || env.Error == nil || !strings.Contains(env.Error.Message, "domain") {
		t.Errorf("missing domain: status=%d error=%+v", status, env.Error)
	}

	status, env = fx.action(t, fx.token(t), "reminder", "", nil)
	if status != http.StatusBadRequest || env.Error == nil || !strings.Contains(env.Error.Message, "action") {
		t.Errorf("missing action: status=%d error=%+v", status, env.Error)
	}
}

func TestReminderCreate(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.insertID = "rem-1"

	due := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	status, env := fx.action(t, fx.token(t), "reminder", "create", map[string]any{
		"title":  "water the plants",
		"due_at": due,
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %+v", status, env.Error)
	}
	if fx.rows.gotTable != "reminders" {
		t.Errorf("table = %q", fx.rows.gotTable)
	}
	if fx.rows.gotData["title"] != "water the plants" {
		t.Errorf("title = %v", fx.rows.gotData["title"])
	}
	if fx.rows.gotData["completed"] != false {
		t.Errorf("completed = %v, want false", fx.rows.gotData["completed"])
	}
	if _, ok := fx.rows.gotData["due_at"]; !ok {
		t.Error("due_at not persisted")
	}
}

func TestReminderCreateRequiresTitle(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "reminder", "create", map[string]any{})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || !strings.Contains(env.Error.Message, "title") {
		t.Errorf("message = %+v, want to name title", env.Error)
	}
}

func TestReminderCreateRejectsBadTimestamp(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "reminder", "create", map[string]any{
		"title":  "x",
		"due_at": "tomorrow",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || !strings.Contains(env.Error.Message, "due_at") {
		t.Errorf("message = %+v, want to name due_at", env.Error)
	}
}

func TestReminderListFiltersCompleted(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.selectRows = []map[string]any{{"id": "rem-1", "title": "x"}}

	status, _ := fx.action(t, fx.token(t), "reminder", "list", map[string]any{"completed": false})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if fx.rows.gotTable != "reminders" || fx.rows.gotOrderBy != "due_at ASC" {
		t.Errorf("query = %q order %q", fx.rows.gotTable, fx.rows.gotOrderBy)
	}
	if got, ok := fx.rows.gotFilters["completed"]; !ok || got != false {
		t.Errorf("filters = %v", fx.rows.gotFilters)
	}
}

func TestReminderCompleteUnknownIDIs404(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.updateN = 0

	status, env := fx.action(t, fx.token(t), "reminder", "complete", map[string]any{"id": "rem-9"})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if env.Error == nil || env.Error.Code != "not_found" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestReminderDelete(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.deleteN = 1

	status, _ := fx.action(t, fx.token(t), "reminder", "delete", map[string]any{"id": "rem-1"})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if fx.rows.gotFilters["id"] != "rem-1" {
		t.Errorf("filters = %v", fx.rows.gotFilters)
	}
}

func TestContactCreateAndUpdate(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.insertID = "con-1"

	status, _ := fx.action(t, fx.token(t), "contacts", "create", map[string]any{
		"name":    "Marie",
		"details": map[string]any{"phone": "555-0100"},
	})
	if status != http.StatusOK {
		t.Fatalf("create status = %d", status)
	}
	if fx.rows.gotTable != "contacts" || fx.rows.gotData["name"] != "Marie" {
		t.Errorf("insert = %q %v", fx.rows.gotTable, fx.rows.gotData)
	}

	fx.rows.updateN = 1
	status, _ = fx.action(t, fx.token(t), "contacts", "update", map[string]any{
		"id":   "con-1",
		"name": "Marie Curie",
	})
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}
	if fx.rows.gotUpdates["name"] != "Marie Curie" {
		t.Errorf("updates = %v", fx.rows.gotUpdates)
	}
}

func TestContactUpdateRequiresChanges(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "contacts", "update", map[string]any{"id": "con-1"})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestUserGetAndUpdate(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.selectRows = []map[string]any{{"id": "user-1", "display_name": "Ada", "timezone": "UTC"}}

	status, env := fx.action(t, fx.token(t), "user", "get", nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d, error %+v", status, env.Error)
	}

	fx.rows.updateN = 1
	status, _ = fx.action(t, fx.token(t), "user", "update", map[string]any{"timezone": "Europe/Paris"})
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}
	if fx.rows.gotTable != "users" || fx.rows.gotID != "user-1" {
		t.Errorf("update target = %q id %q", fx.rows.gotTable, fx.rows.gotID)
	}
	if fx.rows.gotUpdates["timezone"] != "Europe/Paris" {
		t.Errorf("updates = %v", fx.rows.gotUpdates)
	}
}

func TestUserUpdateRejectsBadTimezone(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "user", "update", map[string]any{"timezone": "Mars/Olympus"})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || !strings.Contains(env.Error.Message, "timezone") {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestMemoryStoreClampsImportance(t *testing.T) {
	fx := newTestServer(t)
	fx.memory.storeIDs = []string{"m-7"}

	status, _ := fx.action(t, fx.token(t), "memory", "store", map[string]any{
		"text":             "prefers tea over coffee",
		"importance_score": 3.5,
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(fx.memory.stored) != 1 {
		t.Fatalf("stored %d items", len(fx.memory.stored))
	}
	got := fx.memory.stored[0]
	if got.ImportanceScore != 1 {
		t.Errorf("importance = %v, want clamped to 1", got.ImportanceScore)
	}
	if got.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", got.Confidence)
	}
}

func TestMemorySearchValidatesIntent(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "memory", "search", map[string]any{
		"query":  "tea",
		"intent": "vibes",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || !strings.Contains(env.Error.Message, "intent") {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestMemorySearchPassesParams(t *testing.T) {
	fx := newTestServer(t)
	fx.memory.hits = []*models.Memory{{ID: "m-1", Text: "tea", SimilarityScore: 0.9, ImportanceScore: 0.7}}

	status, _ := fx.action(t, fx.token(t), "memory", "search", map[string]any{
		"query":  "tea",
		"intent": "recall",
		"limit":  5,
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	p := fx.memory.searched
	if p.QueryText != "tea" || p.Intent != models.IntentRecall || p.Limit != 5 {
		t.Errorf("params = %+v", p)
	}
}

func TestMemoryArchive(t *testing.T) {
	fx := newTestServer(t)

	status, _ := fx.action(t, fx.token(t), "memory", "archive", map[string]any{
		"ids": []any{"m-1", "m-2"},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(fx.memory.archived) != 2 {
		t.Errorf("archived = %v", fx.memory.archived)
	}
}

func TestContinuumPostponeBounds(t *testing.T) {
	fx := newTestServer(t)
	fx.continuums.postponed = time.Now().Add(30 * time.Minute)

	for _, minutes := range []int{0, -5, 1441} {
		status, env := fx.action(t, fx.token(t), "continuum", "postpone_collapse", map[string]any{
			"minutes": minutes,
		})
		if status != http.StatusBadRequest {
			t.Errorf("minutes=%d: status = %d, want 400", minutes, status)
			continue
		}
		if env.Error == nil || !strings.Contains(env.Error.Message, "1 and 1440") {
			t.Errorf("minutes=%d: message = %+v", minutes, env.Error)
		}
	}

	status, env := fx.action(t, fx.token(t), "continuum", "postpone_collapse", map[string]any{
		"minutes": 30,
	})
	if status != http.StatusOK {
		t.Fatalf("minutes=30: status = %d, error %+v", status, env.Error)
	}
	if fx.continuums.gotPostponed != 30 {
		t.Errorf("postponed minutes = %d", fx.continuums.gotPostponed)
	}
}

func TestContinuumPostponeRequiresMinutes(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "continuum", "postpone_collapse", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || !strings.Contains(env.Error.Message, "minutes") {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestContinuumCollapseActiveSegment(t *testing.T) {
	fx := newTestServer(t)
	fx.continuums.sentinel = models.NewSegmentSentinel()
	fx.continuums.hasSentinel = true

	status, env := fx.action(t, fx.token(t), "continuum", "collapse_segment", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, error %+v", status, env.Error)
	}
	if fx.collapser.gotContinuumID != "c-1" {
		t.Errorf("continuum = %q", fx.collapser.gotContinuumID)
	}
	if fx.collapser.gotSegmentID != fx.continuums.sentinel.SegmentID() {
		t.Errorf("segment = %q", fx.collapser.gotSegmentID)
	}
}

func TestContinuumCollapseWithoutActiveSegmentIs404(t *testing.T) {
	fx := newTestServer(t)
	fx.continuums.hasSentinel = false

	status, env := fx.action(t, fx.token(t), "continuum", "collapse_segment", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if env.Error == nil || env.Error.Code != "not_found" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestContinuumCollapseEmptySegmentIs404(t *testing.T) {
	fx := newTestServer(t)
	fx.collapser.err = fmt.Errorf("%w: seg-1", continuum.ErrEmptySegment)

	status, env := fx.action(t, fx.token(t), "continuum", "collapse_segment", map[string]any{
		"segment_id": "seg-1",
	})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if env.Error == nil || env.Error.Code != "not_found" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestDomaindocUpsertAndFlags(t *testing.T) {
	fx := newTestServer(t)
	fx.docs.doc = &models.Domaindoc{ID: 1, Section: "gardening", Content: "tomatoes like sun"}

	status, env := fx.action(t, fx.token(t), "domain_knowledge", "upsert", map[string]any{
		"section": "gardening",
		"content": "tomatoes like sun",
	})
	if status != http.StatusOK {
		t.Fatalf("upsert status = %d, error %+v", status, env.Error)
	}
	if fx.docs.gotSection != "gardening" || fx.docs.gotContent != "tomatoes like sun" {
		t.Errorf("upsert = %q %q", fx.docs.gotSection, fx.docs.gotContent)
	}

	status, _ = fx.action(t, fx.token(t), "domain_knowledge", "set_flags", map[string]any{
		"section":   "gardening",
		"collapsed": true,
	})
	if status != http.StatusOK {
		t.Fatalf("set_flags status = %d", status)
	}
	if fx.docs.gotCollapsed == nil || !*fx.docs.gotCollapsed {
		t.Errorf("collapsed = %v", fx.docs.gotCollapsed)
	}
	if fx.docs.gotExpanded != nil {
		t.Errorf("expanded = %v, want untouched", fx.docs.gotExpanded)
	}
}

func TestDomaindocSetFlagsRequiresAFlag(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.action(t, fx.token(t), "domain_knowledge", "set_flags", map[string]any{
		"section": "gardening",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestDomaindocGetUnknownIs404(t *testing.T) {
	fx := newTestServer(t)
	fx.docs.err = fmt.Errorf("%w: gardening/soil", userdata.ErrDomaindocNotFound)

	status, env := fx.action(t, fx.token(t), "domain_knowledge", "get", map[string]any{
		"section":    "gardening",
		"subsection": "soil",
	})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if env.Error == nil || env.Error.Code != "not_found" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestActionFieldTypeMismatches(t *testing.T) {
	fx := newTestServer(t)

	cases := []struct {
		name   string
		domain string
		action string
		data   map[string]any
		want   string
	}{
		{"title not string", "reminder", "create", map[string]any{"title": 7}, "title"},
		{"minutes fractional", "continuum", "postpone_collapse", map[string]any{"minutes": 1.5}, "minutes"},
		{"minutes not number", "continuum", "postpone_collapse", map[string]any{"minutes": "30"}, "minutes"},
		{"details not object", "contacts", "create", map[string]any{"name": "x", "details": "y"}, "details"},
		{"ids empty", "memory", "archive", map[string]any{"ids": []any{}}, "ids"},
	}
	for _, tc := range cases {
		status, env := fx.action(t, fx.token(t), tc.domain, tc.action, tc.data)
		if status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, status)
			continue
		}
		if env.Error == nil || !strings.Contains(env.Error.Message, tc.want) {
			t.Errorf("%s: message = %+v, want to name %s", tc.name, env.Error, tc.want)
		}
	}
}
