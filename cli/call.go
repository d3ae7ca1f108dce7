package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"lanphone/models"
	"lanphone/node"
	"lanphone/session"
)

func newCallCommand(opts *rootOptions) *cobra.Command {
	var (
		wait     time.Duration
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <peer-ip>",
		Short: "Call a peer without the interactive UI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if net.ParseIP(args[0]) == nil {
				return fmt.Errorf("invalid peer address %q", args[0])
			}
			peer := models.NodeID(args[0])

			app, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			n, err := app.startNode(ctx)
			if err != nil {
				return err
			}
			defer n.Stop()

			if err := waitForPeer(ctx, n, peer, wait); err != nil {
				return err
			}

			fmt.Fprintf(app.out, "Calling %s...\n", nameColor.Sprint(peer))
			if err := n.Call(ctx, peer); err != nil {
				failureColor.Fprintf(app.out, "Call failed: %v\n", err)
				return err
			}
			okColor.Fprintln(app.out, "Call active.")

			return holdCall(ctx, app, n, duration)
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 10*time.Second, "how long to wait for the peer to appear")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "hang up after this long (0 waits for the peer or Ctrl+C)")
	return cmd
}

// waitForPeer polls the registry until peer is visible.
func waitForPeer(ctx context.Context, n *node.Node, peer models.NodeID, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, p := range n.Peers() {
			if p.ID == peer {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s not seen within %s", session.ErrUnknownPeer, peer, wait)
		case <-ticker.C:
		}
	}
}

// holdCall keeps the call up until duration passes, ctx ends, or the
// session returns to Idle.
func holdCall(ctx context.Context, app *appContext, n *node.Node, duration time.Duration) error {
	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	events := n.Sessions().Events()
	for {
		select {
		case <-ctx.Done():
			n.Hangup()
			return nil
		case <-timeout:
			n.Hangup()
			fmt.Fprintln(app.out, "Hung up.")
			return nil
		case event := <-events:
			if event.State != session.Idle {
				continue
			}
			if event.Err != nil && !errors.Is(event.Err, session.ErrCanceled) {
				failureColor.Fprintf(app.out, "Call dropped: %v\n", event.Err)
				return event.Err
			}
			fmt.Fprintln(app.out, "Peer hung up.")
			return nil
		}
	}
}
