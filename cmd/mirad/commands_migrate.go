package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Migrate Command
// =============================================================================

// buildMigrateCmd creates the "migrate" command group for managing the
// Postgres schemas of both databases.
func buildMigrateCmd() *cobra.Command {
	var (
		configPath string
		database   string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
		Long: `Apply, roll back or inspect the embedded schema migrations for the
service database (mira_service) and the memory database (mira_memory).

Each migration runs in its own transaction and is recorded in the
schema_migrations table of its database.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&database, "database", "",
		"Restrict to one database (mira_service or mira_memory)")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Example: `  mirad migrate up
  mirad migrate up --database mira_memory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath), database, migrateUp, 0)
		},
	}

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations, newest first",
		Example: `  mirad migrate down
  mirad migrate down --steps 2 --database mira_service`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath), database, migrateDown, steps)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show each migration's applied state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath), database, migrateStatus, 0)
		},
	}

	cmd.AddCommand(upCmd, downCmd, statusCmd)
	return cmd
}
