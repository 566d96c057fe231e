package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/command"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show recent notifications",
	Long:  `Show blocked-packet and traffic-spike alerts raised by the daemon, newest first.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAlerts(cmd.Context(), newClient(), cmd.OutOrStdout(), alertsLimit, alertsClear)
	},
}

var (
	alertsLimit int
	alertsClear bool
)

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 5, "maximum alerts to show (0 = all retained)")
	alertsCmd.Flags().BoolVar(&alertsClear, "clear", false, "drop retained alerts after showing them")
}

func runAlerts(ctx context.Context, client controlClient, out io.Writer, limit int, clearAfter bool) error {
	alerts, err := client.Notifications(ctx, command.NotificationsParams{Limit: limit, Clear: clearAfter})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(out, alerts)
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts")
		return nil
	}
	for _, a := range alerts {
		fmt.Fprintf(out, "%s  %-7s  %s\n", a.Time.Local().Format("15:04:05"), a.Kind, a.Message)
	}
	return nil
}
