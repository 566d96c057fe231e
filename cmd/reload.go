package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload daemon configuration and rules",
	Long: `Ask the daemon to reread its config file and rule file, like SIGHUP. Log
settings apply immediately; capture, firewall and listener changes need a
restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func runReload(ctx context.Context, client controlClient, out io.Writer) error {
	if err := client.ConfigReload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
