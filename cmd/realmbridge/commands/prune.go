package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old WAL entries and trace events",
		Long: `Delete finished WAL entries and trace events older than the retention
window. Entries of operations that still have pending steps are never
pruned.`,
		Example: `  # Keep the last 30 days
  realmbridge prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cutoff := time.Now().Add(-olderThan)

			walPruned, err := store.PruneWAL(ctx, cutoff)
			if err != nil {
				return err
			}
			tracesPruned, err := store.PruneTraces(ctx, cutoff)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]int64{
					"wal_entries_pruned":  walPruned,
					"trace_events_pruned": tracesPruned,
				})
			}
			fmt.Printf("pruned %d wal entries and %d trace events older than %s\n",
				walPruned, tracesPruned, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 720*time.Hour, "retention window")

	return cmd
}
