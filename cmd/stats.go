package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/command"
	"github.com/dbreno/netwarden/internal/control"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize captured traffic",
	Long: `Query the daemon for a traffic summary: packet totals, direction counters,
the busiest source addresses and the protocol distribution. --bin adds packet
counts per time slot.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), newClient(), cmd.OutOrStdout(), statsTop, statsBin)
	},
}

var (
	statsTop int
	statsBin time.Duration
)

func init() {
	statsCmd.Flags().IntVar(&statsTop, "top", 5, "number of top source addresses")
	statsCmd.Flags().DurationVar(&statsBin, "bin", 0, "traffic bin width, e.g. 1m (0 disables)")
}

func runStats(ctx context.Context, client controlClient, out io.Writer, top int, bin time.Duration) error {
	if bin < 0 || (bin > 0 && bin < time.Second) {
		return fmt.Errorf("--bin must be at least 1s")
	}
	st, err := client.Stats(ctx, command.StatsParams{TopN: top, BinSeconds: int(bin / time.Second)})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(out, st)
	}
	return printStats(out, st)
}

func printStats(out io.Writer, st control.Stats) error {
	fmt.Fprintf(out, "packets:  %d (%d blocked)\n", st.Total, st.Blocked)
	fmt.Fprintf(out, "sent:     %d\nreceived: %d\nlost:     %d\n",
		st.Counters.Sent, st.Counters.Received, st.Counters.Lost)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if len(st.TopSources) > 0 {
		fmt.Fprintln(w, "\nSOURCE\tZONE\tPACKETS")
		for _, s := range st.TopSources {
			fmt.Fprintf(w, "%s\t%s\t%d\n", s.IP, s.Zone, s.Count)
		}
	}
	if len(st.Protocols) > 0 {
		fmt.Fprintln(w, "\nPROTOCOL\tPACKETS")
		for _, p := range st.Protocols {
			fmt.Fprintf(w, "%s\t%d\n", p.Protocol, p.Count)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(st.Bins) > 0 {
		peak := 0
		for _, b := range st.Bins {
			peak = max(peak, b.Count)
		}
		fmt.Fprintln(out, "\nTRAFFIC")
		for _, b := range st.Bins {
			bar := 0
			if peak > 0 {
				bar = b.Count * 40 / peak
			}
			fmt.Fprintf(out, "%s %6d %s\n", b.Start.Local().Format("15:04:05"), b.Count, strings.Repeat("#", bar))
		}
	}
	return nil
}
