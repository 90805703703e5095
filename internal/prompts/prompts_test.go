package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(config.PromptsConfig{Dir: dir}, observability.NewTestLogger(nil))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestEmbeddedTemplatesLoad(t *testing.T) {
	s := newTestStore(t, "")

	names := s.Names()
	for _, want := range []string{ChatSystem, SegmentSummary, SummarySynthesis, InjectionReview} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Names() = %v, missing %q", names, want)
		}
	}
}

func TestRenderChatSystem(t *testing.T) {
	s := newTestStore(t, "")

	out, err := s.Render(ChatSystem, ChatSystemData{
		CurrentDate:   "2026-08-25",
		TimeZone:      "Europe/Berlin",
		DomainContext: "Billing handbook v3",
		MemoryContext: "- Prefers short answers",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"2026-08-25", "Europe/Berlin", "Billing handbook v3", "Prefers short answers"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render(ChatSystem) missing %q", want)
		}
	}
}

func TestRenderChatSystemOmitsEmptySections(t *testing.T) {
	s := newTestStore(t, "")

	out, err := s.Render(ChatSystem, ChatSystemData{CurrentDate: "2026-08-25", TimeZone: "UTC"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(out, "Domain documents") || strings.Contains(out, "remember about this user") {
		t.Errorf("Render(ChatSystem) = %q, want empty sections omitted", out)
	}
}

func TestRenderSegmentSummaryTags(t *testing.T) {
	s := newTestStore(t, "")

	out, err := s.Render(SegmentSummary, SegmentSummaryData{
		Transcript: "[user] hi\n[assistant] hello",
		ToolsUsed:  "memory_tool",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"<mira:display_title>", "<mira:complexity>", "memory_tool", "[user] hi"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render(SegmentSummary) missing %q", want)
		}
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	s := newTestStore(t, "")
	if _, err := s.Render("no_such_prompt", nil); err == nil {
		t.Error("Render(unknown) = nil error, want error")
	}
}

func TestOverrideDirectory(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, ChatSystem+templateExt)
	if err := os.WriteFile(override, []byte("custom scaffold {{.CurrentDate}}"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	s := newTestStore(t, dir)

	out, err := s.Render(ChatSystem, ChatSystemData{CurrentDate: "2026-08-25"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "custom scaffold 2026-08-25" {
		t.Errorf("Render(ChatSystem) = %q, want override applied", out)
	}

	// Other templates keep their embedded defaults.
	if _, err := s.Get(InjectionReview); err != nil {
		t.Errorf("Get(InjectionReview) after override: %v", err)
	}
}

func TestBrokenOverrideKeepsDefault(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, SegmentSummary+templateExt)
	if err := os.WriteFile(override, []byte("{{.Unclosed"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	s := newTestStore(t, dir)

	out, err := s.Render(SegmentSummary, SegmentSummaryData{Transcript: "x"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "<mira:display_title>") {
		t.Errorf("Render(SegmentSummary) = %q, want embedded default kept", out)
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	override := filepath.Join(dir, InjectionReview+templateExt)
	if err := os.WriteFile(override, []byte("updated reviewer"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	out, err := s.Get(InjectionReview)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != "updated reviewer" {
		t.Errorf("Get(InjectionReview) = %q, want reloaded override", out)
	}
}
