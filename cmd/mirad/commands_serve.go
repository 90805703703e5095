package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the MIRA server.
// This is the primary command for running mirad in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MIRA server",
		Long: `Start the MIRA server with every subsystem wired.

The server will:
1. Load configuration from the specified file (or mirad.yaml)
2. Resolve secrets from Vault or the configured secrets file
3. Open the service and memory database pools
4. Connect to Valkey and the per-user SQLite stores
5. Start the background workers (segment scan, batch poll, refinement)
6. Start the HTTP server for chat, actions, data reads, health and events

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  mirad serve

  # Start with custom config
  mirad serve --config /etc/mira/production.yaml

  # Start with debug logging
  mirad serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
