// Package app provides the entry point for the kagurad command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "kagurad",
	DisableAutoGenTag: true,
	Short:             "kagurad is the universal memory service for AI agents",
	Long: `kagurad runs the memory platform: durable agent memories with hybrid
retrieval, a graph overlay, per-user API keys, an OAuth2 authorization server,
and an MCP tool surface. Configuration comes from the environment; see the
project README for the full list of variables.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the kagurad daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newGCCommand())
	rootCmd.AddCommand(newRotateVaultKeyCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
