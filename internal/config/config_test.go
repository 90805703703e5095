package config

import (
	"os"
	"testing"
	"time"
)

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  host: 0.0.0.0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Server.HTTPPort != 8420 {
		t.Errorf("default port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Valkey.WarningOffset != 10*time.Second {
		t.Errorf("warning offset = %v", cfg.Valkey.WarningOffset)
	}
	if cfg.Memory.Dimension != 768 {
		t.Errorf("dimension = %d", cfg.Memory.Dimension)
	}
	if cfg.Memory.RRFK != 60 {
		t.Errorf("rrf_k = %d", cfg.Memory.RRFK)
	}
	if cfg.Memory.MinImportance != 0.1 {
		t.Errorf("min_importance = %v", cfg.Memory.MinImportance)
	}
	if cfg.Scheduler.ScanInterval != 60*time.Second {
		t.Errorf("scan interval = %v", cfg.Scheduler.ScanInterval)
	}
	if cfg.Security.Injection.ConfidenceThreshold != 0.85 {
		t.Errorf("injection confidence = %v", cfg.Security.Injection.ConfidenceThreshold)
	}
	if cfg.Ingest.InferenceMaxPx != 1200 || cfg.Ingest.StorageMaxPx != 512 {
		t.Errorf("ingest tiers = %d/%d", cfg.Ingest.InferenceMaxPx, cfg.Ingest.StorageMaxPx)
	}
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("serverr:\n  host: x\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("MIRA_TEST_DSN", "postgres://localhost/mira_service")
	defer os.Unsetenv("MIRA_TEST_DSN")

	cfg, err := Parse([]byte("postgres:\n  databases:\n    mira_service:\n      dsn: ${MIRA_TEST_DSN}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Postgres.Databases["mira_service"].DSN; got != "postgres://localhost/mira_service" {
		t.Errorf("dsn = %q", got)
	}
}

func TestParse_DatabaseNeedsDSNOrVaultPath(t *testing.T) {
	_, err := Parse([]byte("postgres:\n  databases:\n    mira_memory: {}\n"))
	if err == nil {
		t.Fatal("expected validation error for database without dsn")
	}
}

func TestTimeoutForHour(t *testing.T) {
	cfg := Default()
	cfg.Continuum.Timeouts = []TimeoutBand{
		{Hours: "0-6", Timeout: 4 * time.Hour},
		{Hours: "22-23", Timeout: 2 * time.Hour},
	}
	cfg.Continuum.DefaultTimeout = 30 * time.Minute

	tests := []struct {
		hour int
		want time.Duration
	}{
		{3, 4 * time.Hour},
		{6, 4 * time.Hour},
		{22, 2 * time.Hour},
		{12, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := cfg.Continuum.TimeoutForHour(tt.hour); got != tt.want {
			t.Errorf("TimeoutForHour(%d) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestTimeoutBand_WrapsMidnight(t *testing.T) {
	cfg := Default()
	cfg.Continuum.Timeouts = []TimeoutBand{{Hours: "22-6", Timeout: 4 * time.Hour}}

	for _, hour := range []int{22, 23, 0, 3, 6} {
		if got := cfg.Continuum.TimeoutForHour(hour); got != 4*time.Hour {
			t.Errorf("hour %d should hit the wrapped band, got %v", hour, got)
		}
	}
	if got := cfg.Continuum.TimeoutForHour(12); got != cfg.Continuum.DefaultTimeout {
		t.Errorf("hour 12 should fall through to default, got %v", got)
	}
}

func TestValidate_BadHourRange(t *testing.T) {
	_, err := Parse([]byte("continuum:\n  timeouts:\n    - hours: \"25-3\"\n      timeout: 1h\n"))
	if err == nil {
		t.Fatal("expected error for hour out of range")
	}
}

func TestValidate_DimensionPinned(t *testing.T) {
	_, err := Parse([]byte("memory:\n  dimension: 512\n"))
	if err == nil {
		t.Fatal("expected error for non-768 dimension")
	}
}
