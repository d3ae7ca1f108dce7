// Package cli is the lanphone command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"lanphone/config"
	"lanphone/logging"
	"lanphone/node"
)

// appContext carries what every subcommand needs after bootstrap.
type appContext struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	logger  log.Logger
	out     io.Writer
}

type rootOptions struct {
	name     string
	logLevel string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "lanphone",
		Short:         "Serverless LAN voice calls",
		Long:          "lanphone finds other phones on the local network and places one call at a time to them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.name, "name", "", "display name announced to peers (overrides config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(
		newRunCommand(opts),
		newPeersCommand(opts),
		newCallCommand(opts),
		newHistoryCommand(opts),
	)
	return root
}

// Execute runs the command tree until ctx is canceled or the command returns.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// bootstrap loads config and applies flag overrides. Logs go to stderr.
func bootstrap(cmd *cobra.Command, opts *rootOptions) (*appContext, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, err
	}
	if opts.name != "" {
		cfg.DeviceName = opts.name
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &appContext{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: filepath.Dir(cfgPath),
		logger:  logging.New(cmd.ErrOrStderr(), cfg.LogLevel),
		out:     cmd.OutOrStdout(),
	}, nil
}

// startNode builds and starts a node from the bootstrapped config.
func (a *appContext) startNode(ctx context.Context) (*node.Node, error) {
	n, err := node.New(node.Options{
		Config:  a.cfg,
		DataDir: a.dataDir,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	if err := n.Degraded(); err != nil {
		fmt.Fprintf(a.out, "%s %v\n", warnColor.Sprint("discovery unavailable:"), err)
	}
	return n, nil
}

// logToFile redirects logs to the data directory while the TUI owns the
// terminal. The caller closes the returned file.
func (a *appContext) logToFile() (*os.File, error) {
	path := filepath.Join(a.dataDir, "lanphone.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	a.logger = logging.New(f, a.cfg.LogLevel)
	return f, nil
}
