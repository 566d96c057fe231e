package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/command"
	"github.com/dbreno/netwarden/internal/control"
)

var blockCmd = &cobra.Command{
	Use:   "block on|off|reset",
	Short: "Toggle kernel enforcement of block rules",
	Long: `Turn kernel enforcement of the block rules on or off.

  on     append one filter directive per block rule
  off    flush the managed chains
  reset  flush directives left behind by a failed activation

Rule changes made while enforcement is on take effect after off + on.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off", "reset"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBlock(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
	},
}

func runBlock(ctx context.Context, client controlClient, out io.Writer, mode string) error {
	var (
		st  control.Status
		err error
	)
	switch mode {
	case "on":
		st, err = client.SetActive(ctx, true)
	case "off":
		st, err = client.SetActive(ctx, false)
	case "reset":
		st, err = client.ResetFirewall(ctx)
	default:
		return fmt.Errorf("unknown mode %q (must be on, off or reset)", mode)
	}
	if err != nil {
		return describeError(err)
	}

	if jsonOutput {
		return printJSON(out, st)
	}
	if st.Active {
		fmt.Fprintf(out, "firewall active: %d directives from %d rules\n", st.Directives, st.Rules)
	} else {
		fmt.Fprintln(out, "firewall inactive")
	}
	return nil
}

// describeError adds the kernel diagnostic carried by a reconcile failure.
func describeError(err error) error {
	var info *command.ErrorInfo
	if !errors.As(err, &info) || info.Code != command.ErrCodeReconcile || info.Data == nil {
		return err
	}
	var rerr struct {
		Op         string `json:"op"`
		Chain      string `json:"chain"`
		Diagnostic string `json:"diagnostic"`
	}
	if command.DecodeResult(info.Data, &rerr) != nil {
		return err
	}
	return fmt.Errorf("kernel rejected %s on %s: %s", rerr.Op, rerr.Chain, rerr.Diagnostic)
}
