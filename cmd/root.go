// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/command"
	"github.com/dbreno/netwarden/internal/config"
	"github.com/dbreno/netwarden/internal/control"
	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/notify"
	"github.com/dbreno/netwarden/internal/telemetry"
)

var (
	// Global flags
	configFile string
	socketPath string
	timeout    time.Duration
	jsonOutput bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netwarden",
	Short: "netwarden - packet monitor and host firewall controller",
	Long: `netwarden captures traffic on the host, classifies every packet against an
ordered list of block/allow rules and records the verdicts. Block rules can be
pushed into the kernel filter (iptables or nftables) on demand.

The daemon is controlled locally over a Unix Domain Socket:
  netwarden daemon              run the daemon in foreground
  netwarden status              daemon and firewall state
  netwarden block on|off        toggle kernel enforcement
  netwarden rules ...           manage the rule list
  netwarden stats / logs        inspect captured traffic`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"control request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"print raw JSON results")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(shutdownCmd)
}

// controlClient is the part of the UDS client the commands use.
type controlClient interface {
	FirewallStatus(ctx context.Context) (control.Status, error)
	SetActive(ctx context.Context, active bool) (control.Status, error)
	ResetFirewall(ctx context.Context) (control.Status, error)
	ListRules(ctx context.Context) ([]control.IndexedRule, error)
	AddRule(ctx context.Context, rule core.Rule) (int, error)
	UpdateRule(ctx context.Context, index int, rule core.Rule) error
	DeleteRule(ctx context.Context, index int) error
	ReloadRules(ctx context.Context) ([]control.IndexedRule, error)
	Stats(ctx context.Context, params command.StatsParams) (control.Stats, error)
	QueryLog(ctx context.Context, q telemetry.Query) ([]core.PacketRecord, error)
	Notifications(ctx context.Context, params command.NotificationsParams) ([]notify.Alert, error)
	ConfigReload(ctx context.Context) error
	DaemonStatus(ctx context.Context) (command.DaemonStatus, error)
	Shutdown(ctx context.Context) error
}

// newClient is replaced in tests.
var newClient = func() controlClient {
	return command.NewUDSClient(resolveSocket(), timeout)
}

// resolveSocket prefers --socket, then control.socket from --config.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Default().Control.Socket
	}
	return cfg.Control.Socket
}

// printJSON writes v indented.
func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
