// Package cli implements the relayd command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// NewRootCmd builds the relayd command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "TCP upload relay",
		Long: "relayd accepts raw payloads over TCP and stores each one as an object " +
			"in S3-compatible storage, answering with a single OK or ERR line.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to the YAML config file (defaults to $RELAY_CONFIG_PATH)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newConfigCmd(opts))

	return rootCmd
}

// Execute runs the relayd command line.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
