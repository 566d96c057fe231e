package cmd

import (
	"context"
	"fmt"
	"io"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/config"
	"github.com/dbreno/netwarden/internal/daemon"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the netwarden daemon",
	Long: `Stop the netwarden daemon gracefully.

The request goes over the control socket. If the socket does not answer,
SIGTERM is sent to the PID recorded in control.pid_file. Kernel directives
stay in place; run 'netwarden block off' first to remove them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShutdown(cmd.Context(), newClient(), cmd.OutOrStdout(), signalFallback)
	},
}

// signalFallback sends SIGTERM through the PID file.
func signalFallback() error {
	path := pidFile
	if path == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		path = cfg.Control.PIDFile
	}
	return daemon.SignalDaemon(path, syscall.SIGTERM)
}

func runShutdown(ctx context.Context, client controlClient, out io.Writer, fallback func() error) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "daemon shutting down")
		return nil
	}
	if fallback == nil {
		return err
	}
	if ferr := fallback(); ferr != nil {
		return fmt.Errorf("shutdown over socket failed (%v), signal fallback failed: %w", err, ferr)
	}
	fmt.Fprintln(out, "daemon signalled (SIGTERM)")
	return nil
}
