package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/livesync/internal/provider"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/transport"
)

// providerCmd is the parent command for transport selection.
var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Inspect or change the persisted transport override",
	Long: `Commands for the transport override kept in the configured store.

Running daemons pick up a change made here on their next reload
(POST /admin/reload). Use PUT /admin/provider/{kind} on a running daemon
to persist and reload in one step.`,
}

var providerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved transport and where it came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, closeStore, err := openSelector(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx := commandContext(cmd)
		kind, source := sel.ResolveSource(ctx, nil)
		fmt.Printf("transport: %s\nsource:    %s\n", kind, source)

		if override, ok, err := sel.Override(ctx); err != nil {
			return err
		} else if ok {
			fmt.Printf("override:  %s\n", override)
		}
		return nil
	},
}

var providerSetCmd = &cobra.Command{
	Use:       "set <raw|multiplexed>",
	Short:     "Persist a transport override",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"raw", "multiplexed"},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := transport.ParseKind(args[0])
		if err != nil {
			return err
		}

		sel, closeStore, err := openSelector(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := sel.SetOverride(commandContext(cmd), kind); err != nil {
			return err
		}
		fmt.Printf("transport override set to %s\n", kind)
		return nil
	},
}

var providerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the transport override",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, closeStore, err := openSelector(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := sel.ClearOverride(commandContext(cmd)); err != nil {
			return err
		}
		fmt.Println("transport override cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(providerCmd)
	providerCmd.AddCommand(providerShowCmd, providerSetCmd, providerClearCmd)
}

// openSelector builds a selector over the configured store. There is no
// reload hook: this process mounts nothing.
func openSelector(cmd *cobra.Command) (*provider.Selector, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(commandContext(cmd), cfg.Store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	def := transport.KindNone
	if cfg.Transport.Kind != "" {
		if def, err = transport.ParseKind(cfg.Transport.Kind); err != nil {
			st.Close()
			return nil, nil, err
		}
	}

	sel := provider.NewSelector(st,
		provider.WithKey(cfg.Store.Key),
		provider.WithDefault(def),
		provider.WithLogger(logger),
	)
	return sel, func() { st.Close() }, nil
}
