package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"lanphone/discovery"
	"lanphone/models"
	"lanphone/ui"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the phone with the interactive peer list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			logFile, err := app.logToFile()
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			n, err := app.startNode(ctx)
			if err != nil {
				return err
			}
			defer n.Stop()

			program := tea.NewProgram(ui.New(n, n.Sessions().Events()), tea.WithAltScreen(), tea.WithContext(ctx))
			poller := discovery.NewPoller(n, discovery.DefaultPollInterval, func(peers []models.NodeRecord) {
				program.Send(ui.PeersMsg(peers))
			})
			go func() { _ = poller.Run(ctx) }()

			if _, err := program.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("run terminal ui: %w", err)
			}
			return nil
		},
	}
}
