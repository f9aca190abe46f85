package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath     string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "realmbridge",
		Short: "RealmBridge - Cross-Realm Capability Routing Kernel",
		Long: `RealmBridge is the orchestration reliability kernel for cross-realm
capability routing.

Features:
  - Capability registry with heartbeat liveness
  - Mediated cross-realm invocation routing
  - Write-ahead logged saga execution with automatic compensation
  - Crash recovery from the durable WAL
  - Append-only execution trace store for debugging and audit`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "realmbridge.db", "path to the SQLite database")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWALCommand())
	rootCmd.AddCommand(newTraceCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newPruneCommand())

	return rootCmd
}
