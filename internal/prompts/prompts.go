// Package prompts holds the operator-tunable prompt templates: the chat
// system scaffold, the segment summarizer pair and the injection reviewer.
// Defaults are compiled in; a configured directory overrides them per file
// and is hot-reloaded. Prompts whose output feeds a parser (extraction,
// relationship classification, refinement, consolidation) live next to
// those parsers instead and are not tunable at runtime.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
)

// Template names. Override files are <name>.tmpl in the configured dir.
const (
	ChatSystem       = "chat_system"
	SegmentSummary   = "segment_summary"
	SummarySynthesis = "summary_synthesis"
	InjectionReview  = "injection_review"
)

const templateExt = ".tmpl"

//go:embed templates/*.tmpl
var defaultFS embed.FS

// ChatSystemData fills the chat system scaffold.
type ChatSystemData struct {
	CurrentDate   string
	TimeZone      string
	DomainContext string
	MemoryContext string
}

// SegmentSummaryData fills the segment summarizer prompt.
type SegmentSummaryData struct {
	Transcript string
	ToolsUsed  string
}

// SynthesisData fills the chunk-merge prompt.
type SynthesisData struct {
	Synopses string
}

// Store resolves named prompt templates. Reads are lock-cheap; Reload swaps
// the whole set atomically.
type Store struct {
	dir    string
	logger *observability.Logger

	mu     sync.RWMutex
	parsed map[string]*template.Template

	watchMu     sync.Mutex
	watchCancel func()
	watchDone   chan struct{}
}

// NewStore loads the embedded defaults and overlays cfg.Dir when set. A
// missing override directory is an error; a broken override file falls back
// to its embedded default with a warning.
func NewStore(cfg config.PromptsConfig, logger *observability.Logger) (*Store, error) {
	s := &Store{
		dir:    cfg.Dir,
		logger: logger.Component("prompts"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the template set from the embedded defaults plus the
// override directory. Invalid override files keep the default and log.
func (s *Store) Reload() error {
	parsed, err := loadEmbedded()
	if err != nil {
		return err
	}

	if s.dir != "" {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return fmt.Errorf("prompts: read override dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), templateExt) {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), templateExt)
			raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
			if err != nil {
				s.logger.Warn("prompt override unreadable, keeping default", "name", name, "error", err)
				continue
			}
			tmpl, err := parse(name, string(raw))
			if err != nil {
				s.logger.Warn("prompt override invalid, keeping default", "name", name, "error", err)
				continue
			}
			parsed[name] = tmpl
		}
	}

	s.mu.Lock()
	s.parsed = parsed
	s.mu.Unlock()
	return nil
}

// Render executes the named template with data.
func (s *Store) Render(name string, data any) (string, error) {
	s.mu.RLock()
	tmpl, ok := s.parsed[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompts: unknown template %q", name)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", name, err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Get returns the named template rendered with no data, for prompts that
// carry no variables.
func (s *Store) Get(name string) (string, error) {
	return s.Render(name, nil)
}

// Names returns the loaded template names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.parsed))
	for name := range s.parsed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadEmbedded() (map[string]*template.Template, error) {
	parsed := make(map[string]*template.Template)
	err := fs.WalkDir(defaultFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := defaultFS.ReadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), templateExt)
		tmpl, err := parse(name, string(raw))
		if err != nil {
			return err
		}
		parsed[name] = tmpl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prompts: load embedded templates: %w", err)
	}
	return parsed, nil
}

func parse(name, text string) (*template.Template, error) {
	return template.New(name).Option("missingkey=error").Parse(text)
}
