package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
		Long: `Inspect the durable write-ahead log of multi-step operations.

Each operation's entries carry a contiguous sequence number, the step name,
the serialized intent, and the entry's lifecycle status (pending, committed,
or rolled_back).`,
	}

	cmd.AddCommand(newWALShowCommand())
	cmd.AddCommand(newWALIncompleteCommand())

	return cmd
}

func newWALShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show all WAL entries for an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.ReadAll(ctx, args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no wal entries for operation %s", args[0])
			}

			if jsonOutput {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%3d  %-12s  %-24s  %s\n",
					e.SequenceNumber, e.Status, e.StepName, e.WrittenAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newWALIncompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "incomplete",
		Short: "List operations with pending or committed entries",
		Long: `List operations the WAL still considers unfinished. These are the
operations startup recovery will compensate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ids, err := store.IncompleteOperations(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ids)
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}
