package models

import "time"

// Event names used as subscription keys on the event bus.
const (
	EventSegmentTimeout       = "segment_timeout"
	EventSegmentCollapsed     = "segment_collapsed"
	EventManifestUpdated      = "manifest_updated"
	EventWorkingMemoryUpdated = "working_memory_updated"
	EventUpdateTrinket        = "update_trinket"
)

// SegmentTimeoutEvent fires when an active segment has been idle past its
// per-hour threshold. Handlers collapse the segment.
type SegmentTimeoutEvent struct {
	ContinuumID      string
	UserID           string
	SegmentID        string
	InactiveDuration time.Duration
	LocalHour        int
}

// EventName implements the bus key.
func (SegmentTimeoutEvent) EventName() string { return EventSegmentTimeout }

// SegmentCollapsedEvent fires after a segment has been summarized, embedded
// and persisted.
type SegmentCollapsedEvent struct {
	ContinuumID  string
	UserID       string
	SegmentID    string
	Summary      string
	DisplayTitle string
	Complexity   int
	ToolsUsed    []string
}

// EventName implements the bus key.
func (SegmentCollapsedEvent) EventName() string { return EventSegmentCollapsed }

// ManifestUpdatedEvent fires when the continuum's segment manifest changes.
type ManifestUpdatedEvent struct {
	ContinuumID string
	UserID      string
	Reason      string
}

// EventName implements the bus key.
func (ManifestUpdatedEvent) EventName() string { return EventManifestUpdated }

// WorkingMemoryUpdatedEvent fires when working-memory categories change.
type WorkingMemoryUpdatedEvent struct {
	ContinuumID       string
	UserID            string
	UpdatedCategories []string
}

// EventName implements the bus key.
func (WorkingMemoryUpdatedEvent) EventName() string { return EventWorkingMemoryUpdated }

// UpdateTrinketEvent asks the UI layer to refresh one live widget.
type UpdateTrinketEvent struct {
	UserID        string
	TargetTrinket string
	Context       map[string]any
}

// EventName implements the bus key.
func (UpdateTrinketEvent) EventName() string { return EventUpdateTrinket }
