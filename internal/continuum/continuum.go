// Package continuum implements the append-only conversation log. A continuum
// is divided into segments by sentinel messages; the active segment receives
// new turns, and inactive segments collapse into summarized synopses that
// stay in the message stream. The hot cache holds the recent window that chat
// requests render from; Postgres remains the source of truth.
package continuum

import (
	"strings"
	"sync"
	"time"

	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/pkg/models"
)

// Working-memory categories reported on update events.
const (
	categoryMessages = "messages"
	categorySegments = "segments"
)

// Continuum is the in-memory aggregate for one conversation log. Mutations
// append to the hot cache and return the domain events to publish once the
// caller has persisted the change. Safe for concurrent use.
type Continuum struct {
	ID     string
	UserID string
	Title  string

	mu           sync.Mutex
	cache        []models.Message
	hotCacheSize int
}

// New builds an empty continuum aggregate.
func New(id, userID string, hotCacheSize int) *Continuum {
	if hotCacheSize <= 0 {
		hotCacheSize = 1
	}
	return &Continuum{ID: id, UserID: userID, hotCacheSize: hotCacheSize}
}

// AddUserMessage appends a user turn built from plain text.
func (c *Continuum) AddUserMessage(text string) (models.Message, []events.Event, error) {
	msg, err := models.NewUserMessage(text)
	if err != nil {
		return models.Message{}, nil, err
	}
	c.push(msg)
	return msg, c.updated(categoryMessages), nil
}

// AddUserContent appends a user turn with explicit content blocks, used for
// turns that carry attachments alongside the typed text.
func (c *Continuum) AddUserContent(content models.MessageContent) (models.Message, []events.Event, error) {
	msg, err := models.NewMessage(models.RoleUser, content, nil)
	if err != nil {
		return models.Message{}, nil, err
	}
	c.push(msg)
	return msg, c.updated(categoryMessages), nil
}

// AddAssistantMessage appends an assistant turn. Content may be empty only
// when metadata marks tool calls.
func (c *Continuum) AddAssistantMessage(content models.MessageContent, metadata map[string]any) (models.Message, []events.Event, error) {
	msg, err := models.NewAssistantMessage(content, metadata)
	if err != nil {
		return models.Message{}, nil, err
	}
	c.push(msg)
	return msg, c.updated(categoryMessages), nil
}

// AddToolMessage appends a tool result bound to the originating call id.
func (c *Continuum) AddToolMessage(content, toolCallID string) (models.Message, []events.Event, error) {
	msg, err := models.NewToolMessage(content, toolCallID)
	if err != nil {
		return models.Message{}, nil, err
	}
	c.push(msg)
	return msg, c.updated(categoryMessages), nil
}

// AddToolResult appends a tool result, marking failures so the model can
// react to them on the next turn.
func (c *Continuum) AddToolResult(content, toolCallID string, isError bool) (models.Message, []events.Event, error) {
	msg, err := models.NewMessage(models.RoleTool, models.MessageContent{{
		Type:      models.ContentTypeToolResult,
		ToolUseID: toolCallID,
		Content:   content,
		IsError:   isError,
	}}, map[string]any{models.MetaToolCallID: toolCallID})
	if err != nil {
		return models.Message{}, nil, err
	}
	c.push(msg)
	return msg, c.updated(categoryMessages), nil
}

// AddNotification appends a system notification as a user-role turn.
// Notifications never reach summarization input and carry no timestamp
// prefix.
func (c *Continuum) AddNotification(text string) (models.Message, []events.Event, error) {
	msg, err := models.NewMessage(models.RoleUser, models.MessageContent{models.TextBlock(text)},
		map[string]any{models.MetaNotification: true})
	if err != nil {
		return models.Message{}, nil, err
	}
	c.push(msg)
	return msg, c.updated(categoryMessages), nil
}

// StartSegment appends a fresh active sentinel and returns it. Callers must
// ensure no other sentinel is active; ActiveSentinel checks the hot cache and
// the store checks persisted state.
func (c *Continuum) StartSegment() (models.Message, []events.Event) {
	sentinel := models.NewSegmentSentinel()
	c.push(sentinel)
	evts := append(c.updated(categorySegments), models.ManifestUpdatedEvent{
		ContinuumID: c.ID,
		UserID:      c.UserID,
		Reason:      "segment_started",
	})
	return sentinel, evts
}

// ApplyCache replaces the hot cache with an externally assembled window,
// typically after hydration from the store or after a collapse prune.
func (c *Continuum) ApplyCache(messages []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = append(c.cache[:0:0], messages...)
	c.trimLocked()
}

// ApplyCollapse swaps the collapsed sentinel into the hot cache in place so
// the next render sees the synopsis instead of the raw segment placeholder.
// Unknown sentinels are ignored; the segment may have aged out of the window.
func (c *Continuum) ApplyCollapse(collapsed models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.cache {
		if m.ID == collapsed.ID {
			c.cache[i] = collapsed
			return
		}
	}
}

// Messages returns a copy of the hot cache in append order.
func (c *Continuum) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.cache...)
}

// Len returns the hot cache size.
func (c *Continuum) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// ActiveSentinel returns the most recent active sentinel in the hot cache.
func (c *Continuum) ActiveSentinel() (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.cache) - 1; i >= 0; i-- {
		if c.cache[i].IsActiveSentinel() {
			return c.cache[i], true
		}
	}
	return models.Message{}, false
}

// MessagesForAPI renders the hot cache for a provider request. Rendering is
// copy-on-read; the stored messages are never mutated:
//
//   - active sentinels are dropped (they are bookkeeping, not conversation)
//   - collapsed sentinels render as a titled synopsis
//   - user and assistant turns get an ephemeral local-time prefix
//   - the final block of the last assistant turn is marked cacheable
func (c *Continuum) MessagesForAPI(loc *time.Location) []models.Message {
	if loc == nil {
		loc = time.UTC
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Message, 0, len(c.cache))
	lastAssistant := -1
	for _, m := range c.cache {
		if m.IsActiveSentinel() {
			continue
		}
		rendered := m
		switch {
		case m.IsSegmentBoundary():
			rendered = renderCollapsed(m)
		case m.Role == models.RoleTool || m.IsNotification():
			// as-is
		default:
			rendered = prefixTimestamp(m, loc)
		}
		if rendered.Role == models.RoleAssistant {
			lastAssistant = len(out)
		}
		out = append(out, rendered)
	}
	if lastAssistant >= 0 {
		out[lastAssistant] = markCacheable(out[lastAssistant])
	}
	return out
}

// State is the serialized form of a continuum, used for working-memory
// mirroring and tests.
type State struct {
	ID       string           `json:"id"`
	UserID   string           `json:"user_id"`
	Title    string           `json:"title,omitempty"`
	Messages []models.Message `json:"messages"`
}

// Snapshot captures the aggregate state.
func (c *Continuum) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		ID:       c.ID,
		UserID:   c.UserID,
		Title:    c.Title,
		Messages: append([]models.Message(nil), c.cache...),
	}
}

// FromState rebuilds an aggregate from a snapshot.
func FromState(st State, hotCacheSize int) *Continuum {
	c := New(st.ID, st.UserID, hotCacheSize)
	c.Title = st.Title
	c.ApplyCache(st.Messages)
	return c
}

func (c *Continuum) push(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = append(c.cache, msg)
	c.trimLocked()
}

// trimLocked bounds the window, never evicting the most recent active
// sentinel: rendering needs it to anchor the open segment.
func (c *Continuum) trimLocked() {
	over := len(c.cache) - c.hotCacheSize
	if over <= 0 {
		return
	}
	var keep []models.Message
	for _, m := range c.cache[:over] {
		if m.IsActiveSentinel() {
			keep = append(keep, m)
		}
	}
	c.cache = append(keep, c.cache[over:]...)
}

func (c *Continuum) updated(category string) []events.Event {
	return []events.Event{models.WorkingMemoryUpdatedEvent{
		ContinuumID:       c.ID,
		UserID:            c.UserID,
		UpdatedCategories: []string{category},
	}}
}

// renderCollapsed formats a collapsed sentinel as the titled synopsis the
// model sees in place of the original turns.
func renderCollapsed(m models.Message) models.Message {
	title := m.DisplayTitle()
	if title == "" {
		title = models.TombstoneTitle
	}
	text := "[Collapsed segment: " + title + "]\n" + m.Text()
	return m.WithContent(models.MessageContent{models.TextBlock(text)})
}

// prefixTimestamp adds the ephemeral "[h:mma]" local-time prefix to the first
// text block. Image-only content gains a leading text block so the stamp
// still lands.
func prefixTimestamp(m models.Message, loc *time.Location) models.Message {
	stamp := "[" + strings.ToLower(m.CreatedAt.In(loc).Format("3:04PM")) + "] "
	blocks := append(models.MessageContent(nil), m.Content...)
	for i, b := range blocks {
		if b.Type == models.ContentTypeText {
			blocks[i].Text = stamp + b.Text
			return m.WithContent(blocks)
		}
	}
	return m.WithContent(append(models.MessageContent{models.TextBlock(strings.TrimSpace(stamp))}, blocks...))
}

// markCacheable sets the provider cache hint on the final content block.
func markCacheable(m models.Message) models.Message {
	if len(m.Content) == 0 {
		return m
	}
	blocks := append(models.MessageContent(nil), m.Content...)
	blocks[len(blocks)-1].CacheControl = models.EphemeralCache()
	return m.WithContent(blocks)
}
