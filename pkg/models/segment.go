package models

import (
	"time"

	"github.com/google/uuid"
)

// Metadata keys carried on messages. Sentinel messages use the segment keys;
// ordinary turns may carry the tool-call and notification keys.
const (
	MetaSegmentBoundary = "is_segment_boundary"
	MetaSegmentID       = "segment_id"
	MetaSegmentStatus   = "status"
	MetaToolsUsed       = "tools_used"
	MetaDisplayTitle    = "display_title"
	MetaComplexity      = "complexity"
	MetaCollapsedAt     = "collapsed_at"
	MetaHasToolCalls    = "has_tool_calls"
	MetaToolCallID      = "tool_call_id"
	MetaNotification    = "is_notification"
	MetaSessionBoundary = "is_session_boundary"

	// MetaReasoningDetails carries the opaque reasoning payload returned by
	// OpenAI-compatible reasoning models, re-attached verbatim on the next
	// turn.
	MetaReasoningDetails = "reasoning_details"
)

// SegmentStatus is the lifecycle state of a segment sentinel.
type SegmentStatus string

const (
	// SegmentActive marks the sentinel of the segment currently receiving
	// messages. At most one sentinel per continuum is active.
	SegmentActive SegmentStatus = "active"
	// SegmentCollapsed is terminal: the segment has been summarized and its
	// sentinel content replaced by the synopsis.
	SegmentCollapsed SegmentStatus = "collapsed"
)

// Tombstone values used when a segment is collapsed without a usable
// summary.
const (
	TombstoneTitle      = "Archived segment"
	TombstoneContent    = "[Segment content not summarized]"
	TombstoneComplexity = 1
)

// sentinelPlaceholder is the content of a sentinel before collapse replaces
// it with the synopsis.
const sentinelPlaceholder = "[segment boundary]"

// NewSegmentSentinel creates the boundary message that opens a new segment.
// The sentinel starts active and its content is replaced by the synopsis
// when the segment collapses.
func NewSegmentSentinel() Message {
	segmentID := uuid.NewString()
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   MessageContent{TextBlock(sentinelPlaceholder)},
		CreatedAt: time.Now().UTC(),
		Metadata: map[string]any{
			MetaSegmentBoundary: true,
			MetaSegmentID:       segmentID,
			MetaSegmentStatus:   string(SegmentActive),
		},
	}
}

// IsSegmentBoundary reports whether the message is a segment sentinel.
func (m Message) IsSegmentBoundary() bool {
	return m.MetaBool(MetaSegmentBoundary)
}

// SegmentID returns the sentinel's segment id, or "" for ordinary messages.
func (m Message) SegmentID() string {
	return m.MetaString(MetaSegmentID)
}

// SegmentStatus returns the sentinel's lifecycle state.
func (m Message) SegmentStatus() SegmentStatus {
	return SegmentStatus(m.MetaString(MetaSegmentStatus))
}

// IsActiveSentinel reports whether the message is a sentinel in the active
// state.
func (m Message) IsActiveSentinel() bool {
	return m.IsSegmentBoundary() && m.SegmentStatus() == SegmentActive
}

// IsNotification reports whether the message is a system notification.
// Notifications are excluded from summarization input and from timestamp
// prefixing.
func (m Message) IsNotification() bool {
	return m.MetaBool(MetaNotification)
}

// IsSessionBoundary reports whether the message marks a session boundary.
func (m Message) IsSessionBoundary() bool {
	return m.MetaBool(MetaSessionBoundary)
}

// DisplayTitle returns the collapsed segment's title, or "" while active.
func (m Message) DisplayTitle() string {
	return m.MetaString(MetaDisplayTitle)
}

// Complexity returns the collapsed segment's complexity in {1,2,3}, or 0
// while active.
func (m Message) Complexity() int {
	return m.MetaInt(MetaComplexity)
}

// CollapseSentinel returns a copy of the sentinel mutated for collapse:
// status=collapsed, content replaced by the synopsis, metadata enriched
// with the title, complexity, tools used and collapse time.
func CollapseSentinel(sentinel Message, synopsis, displayTitle string, complexity int, toolsUsed []string, collapsedAt time.Time) Message {
	out := sentinel.
		WithMetadata(MetaSegmentStatus, string(SegmentCollapsed)).
		WithMetadata(MetaDisplayTitle, displayTitle).
		WithMetadata(MetaComplexity, complexity).
		WithMetadata(MetaCollapsedAt, collapsedAt.UTC().Format(time.RFC3339))
	if len(toolsUsed) > 0 {
		out = out.WithMetadata(MetaToolsUsed, toolsUsed)
	}
	return out.WithContent(MessageContent{TextBlock(synopsis)})
}
