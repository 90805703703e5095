package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContinuumConfig tunes the conversation engine.
type ContinuumConfig struct {
	// HotCacheSize bounds the in-memory recent-message window.
	HotCacheSize int `yaml:"hot_cache_size"`

	// Timeouts are the per-local-hour inactivity thresholds. The first
	// band matching the current local hour wins; when none matches,
	// DefaultTimeout applies.
	Timeouts       []TimeoutBand `yaml:"timeouts"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// ChunkChars is the approximate chunk size (≈50k tokens) for the
	// hierarchical summarization fallback on context overflow.
	ChunkChars int `yaml:"chunk_chars"`

	// WorkingMemoryTTL bounds the Valkey working-memory hash. A warning
	// key fires persistence shortly before it expires.
	WorkingMemoryTTL time.Duration `yaml:"working_memory_ttl"`

	// Timezone is the IANA zone used for timestamp prefixes and
	// local-hour timeout selection.
	Timezone string `yaml:"timezone"`
}

// TimeoutBand maps a range of local hours to an inactivity threshold.
// Hours is "start-end" inclusive, and may wrap midnight ("22-6").
type TimeoutBand struct {
	Hours   string        `yaml:"hours"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c *ContinuumConfig) setDefaults() {
	if c.HotCacheSize == 0 {
		c.HotCacheSize = 200
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.ChunkChars == 0 {
		c.ChunkChars = 200_000
	}
	if c.WorkingMemoryTTL == 0 {
		c.WorkingMemoryTTL = 30 * time.Minute
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

func (c *ContinuumConfig) validate() error {
	for _, band := range c.Timeouts {
		if _, _, err := parseHourRange(band.Hours); err != nil {
			return fmt.Errorf("continuum.timeouts: %w", err)
		}
		if band.Timeout <= 0 {
			return fmt.Errorf("continuum.timeouts: timeout must be positive for %q", band.Hours)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("continuum.timezone: %w", err)
	}
	return nil
}

// TimeoutForHour resolves the inactivity threshold for a local hour.
func (c *ContinuumConfig) TimeoutForHour(hour int) time.Duration {
	for _, band := range c.Timeouts {
		start, end, err := parseHourRange(band.Hours)
		if err != nil {
			continue
		}
		if hourInRange(hour, start, end) {
			return band.Timeout
		}
	}
	return c.DefaultTimeout
}

// Location resolves the configured timezone. Validation guarantees this
// succeeds after Load.
func (c *ContinuumConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseHourRange(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid hour range %q", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour range %q", s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour range %q", s)
	}
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return 0, 0, fmt.Errorf("hour out of range in %q", s)
	}
	return start, end, nil
}

func hourInRange(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	// Wraps midnight.
	return hour >= start || hour <= end
}
