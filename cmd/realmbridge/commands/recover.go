package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/realmbridge/realmbridge/pkg/bridge"
	"github.com/realmbridge/realmbridge/pkg/registry"
	"github.com/realmbridge/realmbridge/pkg/telemetry"
	"github.com/realmbridge/realmbridge/pkg/transports/httpcap"
)

func newRecoverCommand() *cobra.Command {
	var (
		all         bool
		manifests   []string
		callerRealm string
	)

	cmd := &cobra.Command{
		Use:   "recover [operation-id]",
		Short: "Compensate interrupted operations from the WAL",
		Long: `Replay the write-ahead log of operations interrupted by a crash and
compensate their committed steps in reverse order.

Compensations and status probes are resolved against a registry populated
from the given capability manifests, so the target realms must be reachable
at their manifest endpoints.`,
		Example: `  # Recover one operation
  realmbridge recover 7f3a... --manifest realms/orders.yaml

  # Recover everything the WAL considers unfinished
  realmbridge recover --all --manifest realms/orders.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !all && len(args) == 0 {
				return fmt.Errorf("an operation id or --all is required")
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tel := telemetry.Nop()
			reg := registry.New(registry.DefaultConfig(), tel)
			for _, path := range manifests {
				m, err := registry.LoadManifest(path)
				if err != nil {
					return err
				}
				if err := m.Apply(ctx, reg); err != nil {
					return err
				}
			}

			mux := bridge.NewDispatcherMux(bridge.NewLocalDispatcher(), httpcap.NewDispatcher(nil))
			router := bridge.NewRouter(reg, mux, store, tel, bridge.RouterConfig{})
			coord := bridge.NewCoordinator(router, store, store, tel, bridge.DefaultCoordinatorConfig())

			tc := bridge.NewRootContext("operator:recover", "")

			if all {
				results, err := coord.RecoverAll(ctx, callerRealm, tc)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(results)
				}
				for _, res := range results {
					fmt.Printf("%s  %-12s  compensated=%d abandoned=%d\n",
						res.OperationID, res.Status, res.Compensated, res.Abandoned)
				}
				return nil
			}

			res, err := coord.Recover(ctx, args[0], callerRealm, tc)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("%s  %-12s  compensated=%d abandoned=%d\n",
				res.OperationID, res.Status, res.Compensated, res.Abandoned)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "recover every incomplete operation")
	cmd.Flags().StringArrayVar(&manifests, "manifest", nil, "capability manifests used to resolve compensations")
	cmd.Flags().StringVar(&callerRealm, "realm", "", "realm used to resolve unqualified compensation references")

	return cmd
}
