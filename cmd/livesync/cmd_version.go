package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/livesync/internal/provider"
	"github.com/rickgao/livesync/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("livesync %s\n", version.String())
		fmt.Printf("default transport: %s\n", provider.BuildDefault)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
