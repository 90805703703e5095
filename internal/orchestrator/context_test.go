package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/pkg/models"
)

type fakeDomaindocs struct {
	docs []models.Domaindoc
	err  error
}

func (f *fakeDomaindocs) DomaindocsForUser(context.Context, string) ([]models.Domaindoc, error) {
	return f.docs, f.err
}

func TestRenderDomaindocs(t *testing.T) {
	docs := []models.Domaindoc{
		{Section: "Work", Subsection: "Projects", Content: "Shipping the Q3 launch.", ExpandedByDefault: true},
		{Section: "Work", Subsection: "Travel", Content: "Flies to Berlin monthly.", ExpandedByDefault: false},
		{Section: "Health", Content: "Allergic to penicillin.", ExpandedByDefault: true},
		{Section: "Hidden", Content: "gone", Collapsed: true},
	}

	out := renderDomaindocs(docs)
	if !strings.Contains(out, "## Work") || !strings.Contains(out, "## Health") {
		t.Errorf("missing section headings:\n%s", out)
	}
	if !strings.Contains(out, "### Projects") {
		t.Errorf("missing subsection heading:\n%s", out)
	}
	if !strings.Contains(out, "Shipping the Q3 launch.") {
		t.Errorf("expanded content missing:\n%s", out)
	}
	if strings.Contains(out, "Flies to Berlin monthly.") {
		t.Errorf("non-expanded content leaked:\n%s", out)
	}
	if !strings.Contains(out, "(collapsed; retrieve with the domaindocs tool)") {
		t.Errorf("stub for non-expanded row missing:\n%s", out)
	}
	if strings.Contains(out, "Hidden") || strings.Contains(out, "gone") {
		t.Errorf("collapsed row rendered:\n%s", out)
	}
	if strings.HasSuffix(out, "\n") {
		t.Error("trailing newline not trimmed")
	}
}

func TestRenderDomaindocsEmpty(t *testing.T) {
	if out := renderDomaindocs(nil); out != "" {
		t.Errorf("renderDomaindocs(nil) = %q", out)
	}
}

func TestRenderMemories(t *testing.T) {
	memories := []*models.Memory{
		{Text: "Prefers morning meetings."},
		nil,
		{Text: "  "},
		{Text: "Has two cats."},
	}
	out := renderMemories(memories)
	want := "- Prefers morning meetings.\n- Has two cats."
	if out != want {
		t.Errorf("renderMemories() = %q, want %q", out, want)
	}
}

func TestBuildSystemSections(t *testing.T) {
	fx := newFixture(t)
	fx.orch.domaindocs = &fakeDomaindocs{docs: []models.Domaindoc{
		{Section: "Work", Content: "Runs a bakery.", ExpandedByDefault: true},
	}}
	var gotQuery string
	fx.orch.memory = searcherFunc(func(_ context.Context, p memory.SearchParams) ([]*models.Memory, error) {
		gotQuery = p.QueryText
		return []*models.Memory{{Text: "Sourdough is the bestseller."}}, nil
	})

	system := fx.orch.buildSystem(context.Background(), "user-1", "how are sales?")
	if !strings.Contains(system, "# Domain documents") || !strings.Contains(system, "Runs a bakery.") {
		t.Errorf("domain section missing:\n%s", system)
	}
	if !strings.Contains(system, "# What you remember about this user") || !strings.Contains(system, "Sourdough is the bestseller.") {
		t.Errorf("memory section missing:\n%s", system)
	}
	if gotQuery != "how are sales?" {
		t.Errorf("memory search query = %q", gotQuery)
	}
}

func TestBuildSystemWithoutProviders(t *testing.T) {
	fx := newFixture(t)

	system := fx.orch.buildSystem(context.Background(), "user-1", "hi")
	if !strings.Contains(system, "You are MIRA") {
		t.Errorf("persona missing:\n%s", system)
	}
	if strings.Contains(system, "# Domain documents") || strings.Contains(system, "# What you remember") {
		t.Errorf("context sections rendered without providers:\n%s", system)
	}
}

func TestBuildSystemDegradesOnErrors(t *testing.T) {
	// Broken enrichment must not break the chat; the prompt just loses the
	// optional sections.
	fx := newFixture(t)
	fx.orch.domaindocs = &fakeDomaindocs{err: errors.New("db down")}
	fx.orch.memory = searcherFunc(func(context.Context, memory.SearchParams) ([]*models.Memory, error) {
		return nil, errors.New("search down")
	})

	system := fx.orch.buildSystem(context.Background(), "user-1", "hi")
	if !strings.Contains(system, "You are MIRA") {
		t.Errorf("persona missing:\n%s", system)
	}
	if strings.Contains(system, "# Domain documents") {
		t.Errorf("domain section rendered despite error:\n%s", system)
	}
}
