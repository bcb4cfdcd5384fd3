package main

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/livesync/internal/app"
	"github.com/rickgao/livesync/internal/provider"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/transport"
	"github.com/rickgao/livesync/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mount every configured component and serve the status API",
	Long: `Load the config, open the override store, mount every component and serve
/health, /metrics, /debug/* and /admin/* until SIGINT or SIGTERM.

Examples:
  livesync run --config configs/livesync.yaml
  livesync run --log-level debug
  livesync run --transport multiplexed`,
	RunE: runDaemon,
}

var runTransport string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runTransport, "transport", "", "force a transport for this run (raw or multiplexed), ahead of the store override")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger.Info("starting livesync",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"base_url", cfg.Server.BaseURL,
		"components", len(cfg.Components),
		"store", cfg.Store.Backend,
	)

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	opts := []app.Option{app.WithLogger(logger)}
	if runTransport != "" {
		if _, err := transport.ParseKind(runTransport); err != nil {
			st.Close()
			return fmt.Errorf("invalid --transport: %w", err)
		}
		opts = append(opts, app.WithQuery(url.Values{provider.QueryParam: {runTransport}}))
	}

	a, err := app.New(cfg, st, opts...)
	if err != nil {
		st.Close()
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
	logger.Info("status API",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
		"metrics_path", cfg.Metrics.Path,
	)
	return a.Run(ctx, addr)
}

// commandContext returns the command context, or Background when cobra was
// executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
