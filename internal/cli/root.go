// Package cli implements Burrow's command-line interface using Cobra,
// following the teacher's one-file-per-command layout
// (internal/cli/init.go, add.go, join.go, ...).
package cli

import (
	"github.com/spf13/cobra"
)

var dataDirFlag string

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "End-to-end encrypted group messaging over Nostr via MLS",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Burrow data directory (default: $XDG_DATA_HOME/burrow or ~/.burrow)")
	rootCmd.AddCommand(initCmd, groupCmd, inviteCmd, sendCmd, readCmd, listenCmd, daemonCmd, welcomeCmd, aclCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
