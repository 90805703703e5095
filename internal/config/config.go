// Package config loads and validates the MIRA server configuration.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirahq/mira/internal/observability"
)

// Config is the root configuration, one section per subsystem. Secrets are
// never stored here: sections carry Vault paths and the secret cache
// resolves them at boot.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Postgres  PostgresConfig            `yaml:"postgres"`
	Valkey    ValkeyConfig              `yaml:"valkey"`
	Vault     VaultConfig               `yaml:"vault"`
	Userdata  UserdataConfig            `yaml:"userdata"`
	LLM       LLMConfig                 `yaml:"llm"`
	Continuum ContinuumConfig           `yaml:"continuum"`
	Memory    MemoryConfig              `yaml:"memory"`
	Security  SecurityConfig            `yaml:"security"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Ingest    IngestConfig              `yaml:"ingest"`
	Prompts   PromptsConfig             `yaml:"prompts"`
	Logging   observability.LogConfig   `yaml:"logging"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`

	// JWTSecretPath is the Vault path of the HS256 signing secret used to
	// validate API bearer tokens.
	JWTSecretPath string `yaml:"jwt_secret_path"`
}

// PostgresConfig configures the shared per-database pools.
type PostgresConfig struct {
	// Databases maps a database name (mira_service, mira_memory) to its
	// connection settings.
	Databases map[string]DatabaseConfig `yaml:"databases"`
}

// DatabaseConfig is one database's pool settings. DSN may be given inline
// (env-expanded) or resolved from Vault when VaultPath is set.
type DatabaseConfig struct {
	DSN       string `yaml:"dsn"`
	VaultPath string `yaml:"vault_path"`
	MaxConns  int32  `yaml:"max_conns"`
	MinConns  int32  `yaml:"min_conns"`
}

// ValkeyConfig configures the working-memory cache.
type ValkeyConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`

	// WarningOffset is how much earlier than the main key the warning key
	// expires.
	WarningOffset time.Duration `yaml:"warning_offset"`
}

// VaultConfig configures secret retrieval. Role and secret ids come from
// the environment (VAULT_ROLE_ID, VAULT_SECRET_ID), never from this file.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// File names a locally stored secrets file used when Vault is
	// disabled. It maps secret paths to field/value pairs, mirroring the
	// Vault KV layout, and must be mode 0600.
	File string `yaml:"file"`
}

// UserdataConfig configures the per-user SQLite stores.
type UserdataConfig struct {
	// Root is the directory under which data/users/<user_id>/userdata.db
	// files live.
	Root string `yaml:"root"`
}

// LLMConfig configures the provider-neutral client.
type LLMConfig struct {
	// APIKeyPath is the Vault path of the Anthropic API key.
	APIKeyPath string `yaml:"api_key_path"`

	Model           string  `yaml:"model"`
	SummaryModel    string  `yaml:"summary_model"`
	ClassifierModel string  `yaml:"classifier_model"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`

	// MaxIterations bounds the tool-call loop per chat turn.
	MaxIterations int `yaml:"max_iterations"`

	// Embeddings configures the OpenAI-compatible embeddings host.
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig points at an OpenAI-compatible embeddings endpoint. The
// default targets a local Ollama-style host serving a 768-wide model.
type EmbeddingsConfig struct {
	EndpointURL string `yaml:"endpoint_url"`
	Model       string `yaml:"model"`

	// APIKeyPath is the Vault path of the host's key; empty means the host
	// is unauthenticated.
	APIKeyPath string `yaml:"api_key_path"`

	// BatchSize bounds one embeddings call.
	BatchSize int `yaml:"batch_size"`
}

// SecurityConfig configures the prompt-injection defense.
type SecurityConfig struct {
	Injection InjectionConfig `yaml:"injection"`
}

// InjectionConfig tunes the defense layers.
type InjectionConfig struct {
	// LLMEnabled turns on the classifier layer. When it is on but the
	// model is unreachable the service runs DEGRADED on patterns only.
	LLMEnabled bool `yaml:"llm_enabled"`

	// ConfidenceThreshold rejects content at or above this classifier
	// confidence.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// CategoryThreshold rejects content matching at least this many
	// distinct pattern categories.
	CategoryThreshold int `yaml:"category_threshold"`
}

// SchedulerConfig configures the background workers.
type SchedulerConfig struct {
	ScanInterval      time.Duration `yaml:"scan_interval"`
	BatchPollInterval time.Duration `yaml:"batch_poll_interval"`

	// RefinementCron is the daily refinement-analysis schedule in cron
	// syntax.
	RefinementCron string `yaml:"refinement_cron"`

	MonitorWarnAfter  time.Duration `yaml:"monitor_warn_after"`
	MonitorErrorAfter time.Duration `yaml:"monitor_error_after"`
	MonitorDumpDir    string        `yaml:"monitor_dump_dir"`
}

// IngestConfig configures document and image ingestion.
type IngestConfig struct {
	InferenceMaxPx int `yaml:"inference_max_px"`
	StorageMaxPx   int `yaml:"storage_max_px"`
	WebPQuality    int `yaml:"webp_quality"`

	// MaxFileBytes bounds any single ingested file.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// PromptsConfig configures prompt template loading.
type PromptsConfig struct {
	// Dir overrides the embedded prompt pack; changes are hot-reloaded.
	Dir string `yaml:"dir"`
}

// Load reads the YAML file at path, expands ${ENV} references, decodes it
// strictly, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document from raw bytes. Unknown fields are
// errors.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single document")
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied and no file
// input. Useful in tests.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8420
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 30 * time.Second
	}
	if c.Server.JWTSecretPath == "" {
		c.Server.JWTSecretPath = "mira/auth/jwt_secret_key"
	}

	if c.Valkey.Addr == "" {
		c.Valkey.Addr = "127.0.0.1:6379"
	}
	if c.Valkey.WarningOffset == 0 {
		c.Valkey.WarningOffset = 10 * time.Second
	}

	if c.Userdata.Root == "" {
		c.Userdata.Root = "data"
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
	if c.LLM.SummaryModel == "" {
		c.LLM.SummaryModel = c.LLM.Model
	}
	if c.LLM.ClassifierModel == "" {
		c.LLM.ClassifierModel = c.LLM.Model
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.MaxIterations == 0 {
		c.LLM.MaxIterations = 12
	}
	if c.LLM.APIKeyPath == "" {
		c.LLM.APIKeyPath = "mira/api_keys/anthropic"
	}
	if c.LLM.Embeddings.EndpointURL == "" {
		c.LLM.Embeddings.EndpointURL = "http://127.0.0.1:11434/v1"
	}
	if c.LLM.Embeddings.Model == "" {
		c.LLM.Embeddings.Model = "nomic-embed-text"
	}
	if c.LLM.Embeddings.BatchSize == 0 {
		c.LLM.Embeddings.BatchSize = 64
	}

	if c.Security.Injection.ConfidenceThreshold == 0 {
		c.Security.Injection.ConfidenceThreshold = 0.85
	}
	if c.Security.Injection.CategoryThreshold == 0 {
		c.Security.Injection.CategoryThreshold = 3
	}

	if c.Scheduler.ScanInterval == 0 {
		c.Scheduler.ScanInterval = 60 * time.Second
	}
	if c.Scheduler.BatchPollInterval == 0 {
		c.Scheduler.BatchPollInterval = 30 * time.Second
	}
	if c.Scheduler.RefinementCron == "" {
		c.Scheduler.RefinementCron = "0 3 * * *"
	}
	if c.Scheduler.MonitorWarnAfter == 0 {
		c.Scheduler.MonitorWarnAfter = 30 * time.Second
	}
	if c.Scheduler.MonitorErrorAfter == 0 {
		c.Scheduler.MonitorErrorAfter = 300 * time.Second
	}
	if c.Scheduler.MonitorDumpDir == "" {
		c.Scheduler.MonitorDumpDir = "/tmp"
	}

	if c.Ingest.InferenceMaxPx == 0 {
		c.Ingest.InferenceMaxPx = 1200
	}
	if c.Ingest.StorageMaxPx == 0 {
		c.Ingest.StorageMaxPx = 512
	}
	if c.Ingest.WebPQuality == 0 {
		c.Ingest.WebPQuality = 80
	}
	if c.Ingest.MaxFileBytes == 0 {
		c.Ingest.MaxFileBytes = 32 << 20
	}

	c.Continuum.setDefaults()
	c.Memory.setDefaults()
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	for name, db := range c.Postgres.Databases {
		if db.DSN == "" && db.VaultPath == "" {
			return fmt.Errorf("postgres.databases.%s: dsn or vault_path required", name)
		}
	}
	if err := c.Continuum.validate(); err != nil {
		return err
	}
	if err := c.Memory.validate(); err != nil {
		return err
	}
	return nil
}
