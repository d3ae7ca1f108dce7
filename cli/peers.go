package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newPeersCommand(opts *rootOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Listen for presence beacons and print the peers found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			n, err := app.startNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Stop()

			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			printPeers(app.out, n.Peers(), time.Now())
			return nil
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 5*time.Second, "how long to listen before printing")
	return cmd
}
