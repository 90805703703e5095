// Package main provides the CLI entry point for mirad, the MIRA assistant
// server.
//
// MIRA keeps one append-only conversation continuum per user, collapses idle
// segments into synopses, distills long-term memories from what was said,
// and serves the whole thing over an authenticated HTTP and WebSocket API.
//
// # Basic Usage
//
// Start the server:
//
//	mirad serve --config mirad.yaml
//
// Manage database migrations:
//
//	mirad migrate up
//	mirad migrate status
//
// Create a starter configuration:
//
//	mirad setup
//
// # Environment Variables
//
//   - MIRA_CONFIG: Path to configuration file (default: mirad.yaml)
//   - VAULT_ROLE_ID / VAULT_SECRET_ID: Vault AppRole credentials
//   - VAULT_TOKEN: Vault token fallback for dev setups
//
// Any ${VAR} reference inside the config file is expanded from the
// environment at load time.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// defaultConfigName is the config file looked for when neither the flag nor
// MIRA_CONFIG names one.
const defaultConfigName = "mirad.yaml"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main is the entry point for the mirad CLI.
// It sets up the root command and all subcommands, then executes based on CLI args.
func main() {
	// Configure structured logging with JSON output for production parsing.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	// Execute the CLI - Cobra handles argument parsing and command routing.
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mirad",
		Short: "MIRA - conversational assistant server",
		Long: `mirad runs the MIRA assistant core: the per-user conversation continuum,
segment collapse, long-term memory extraction and the HTTP/WebSocket API.

State lives in Postgres (conversation and memory databases), Valkey
(working memory) and per-user SQLite files (domain knowledge). Secrets
resolve from Vault, or from a local secrets file in Vault-less setups.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildSetupCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the MIRA_CONFIG override when the flag carries
// the bare default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("MIRA_CONFIG")); env != "" {
			return env
		}
		return defaultConfigName
	}
	return path
}
