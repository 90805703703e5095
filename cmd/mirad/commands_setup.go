package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Setup Command
// =============================================================================

// buildSetupCmd creates the "setup" command that writes a starter
// configuration file.
func buildSetupCmd() *cobra.Command {
	var (
		outputPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter configuration file",
		Long: `Write a commented starter configuration to mirad.yaml (or the given
path). The file carries local-development defaults: plain DSNs from the
environment, Vault disabled in favor of a local secrets file, and a local
embeddings host.`,
		Example: `  mirad setup
  mirad setup --output /etc/mira/mirad.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(outputPath, force)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", defaultConfigName,
		"Where to write the configuration file")
	cmd.Flags().BoolVarP(&force, "force", "f", false,
		"Overwrite an existing file")

	return cmd
}
