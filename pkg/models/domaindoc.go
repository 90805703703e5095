package models

import "time"

// Domaindoc is one section of a user's structured knowledge document,
// stored in the per-user encrypted SQLite database. Sections nest one level
// deep via Subsection.
type Domaindoc struct {
	ID                int64     `json:"id"`
	UserID            string    `json:"user_id"`
	Section           string    `json:"section"`
	Subsection        string    `json:"subsection,omitempty"`
	Content           string    `json:"content"`
	ExpandedByDefault bool      `json:"expanded_by_default"`
	Collapsed         bool      `json:"collapsed"`
	SortOrder         int       `json:"sort_order"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DomaindocVersion is one historical revision of a domaindoc section.
type DomaindocVersion struct {
	ID          int64     `json:"id"`
	DomaindocID int64     `json:"domaindoc_id"`
	Content     string    `json:"content"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}
