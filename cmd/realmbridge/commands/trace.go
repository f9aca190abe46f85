package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newTraceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect execution traces",
		Long: `Inspect the append-only execution trace store.

Every routed invocation, WAL write, and saga transition is recorded as a
trace event correlated by trace id, so a single top-level operation can be
reconstructed end to end.`,
	}

	cmd.AddCommand(newTraceShowCommand())

	return cmd
}

func newTraceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <trace-id>",
		Short: "Show all events for a trace in timestamp order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			events, err := store.Query(ctx, args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no trace events for trace %s", args[0])
			}

			if jsonOutput {
				return printJSON(events)
			}
			for _, e := range events {
				detail, _ := json.Marshal(e.Detail)
				fmt.Printf("%s  %-16s  span=%s  %s\n",
					e.Timestamp.Format("15:04:05.000"), e.EventType, e.SpanID, detail)
			}
			return nil
		},
	}
}
