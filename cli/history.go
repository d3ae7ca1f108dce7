package cli

import (
	"github.com/spf13/cobra"

	"lanphone/storage"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			store, _, err := storage.Open(app.dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			calls, err := store.ListCalls(limit)
			if err != nil {
				return err
			}
			printHistory(app.out, calls)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", storage.DefaultCallListLimit, "number of calls to show")
	return cmd
}
