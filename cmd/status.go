package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/command"
	"github.com/dbreno/netwarden/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the netwarden daemon for its overall status.

Shows: version, uptime, firewall state, rule count and capture counters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client controlClient, out io.Writer) error {
	st, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	if jsonOutput {
		return printJSON(out, st)
	}
	printDaemonStatus(out, st)
	return nil
}

func printDaemonStatus(out io.Writer, st command.DaemonStatus) {
	fw := st.Firewall
	state := "inactive"
	if fw.Active {
		state = "active"
	}

	fmt.Fprintf(out, "version:    %s\n", st.Version)
	fmt.Fprintf(out, "uptime:     %s\n", time.Duration(st.UptimeSec)*time.Second)
	fmt.Fprintf(out, "firewall:   %s (%d directives)\n", state, fw.Directives)
	if fw.Residual > 0 {
		fmt.Fprintf(out, "residual:   %d directives left by a failed activation, run 'netwarden block reset'\n", fw.Residual)
	}
	fmt.Fprintf(out, "rules:      %d (%s)\n", fw.Rules, fw.RulesPath)
	var cs pipeline.Stats
	if st.Capture == nil || command.DecodeResult(st.Capture, &cs) != nil {
		fmt.Fprintln(out, "capture:    disabled")
		return
	}
	fmt.Fprintf(out, "capture:    %d packets, %d blocked, %d allowed\n", cs.Received, cs.Blocked, cs.Allowed)
	fmt.Fprintf(out, "drops:      %d kernel, %d undecodable, %d filtered, %d source errors\n",
		cs.Source.KernelDrops, cs.Source.DecodeErrors, cs.Source.Filtered, cs.SourceErrors)
}
