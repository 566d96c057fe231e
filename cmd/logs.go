package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/telemetry"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query the packet log",
	Long: `Print packet log entries matching the filters, or export them as CSV.

Address filters are case-insensitive substring matches. --since accepts a
duration back from now (10m) or an RFC 3339 timestamp.`,
	Example: `  netwarden logs --blocked --limit 20
  netwarden logs --src 192.168. --protocol tcp --sort src_ip
  netwarden logs --since 1h --csv traffic.csv`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := logsFlags.query(time.Now())
		if err != nil {
			return err
		}
		return runLogs(cmd.Context(), newClient(), cmd.OutOrStdout(), q, logsFlags.csv)
	},
}

type logsOptions struct {
	src      string
	dst      string
	protocol string
	since    string
	blocked  bool
	sortBy   string
	desc     bool
	limit    int
	csv      string
}

var logsFlags logsOptions

func init() {
	f := logsCmd.Flags()
	f.StringVar(&logsFlags.src, "src", "", "source address contains")
	f.StringVar(&logsFlags.dst, "dst", "", "destination address contains")
	f.StringVar(&logsFlags.protocol, "protocol", "", "tcp, udp or icmp")
	f.StringVar(&logsFlags.since, "since", "", "only entries after this (duration or RFC 3339)")
	f.BoolVar(&logsFlags.blocked, "blocked", false, "only blocked packets")
	f.StringVar(&logsFlags.sortBy, "sort", "", "timestamp, src_ip or dst_ip")
	f.BoolVar(&logsFlags.desc, "desc", false, "sort descending")
	f.IntVar(&logsFlags.limit, "limit", 0, "maximum entries (0 = all)")
	f.StringVar(&logsFlags.csv, "csv", "", "write CSV to this file ('-' for stdout)")
}

func (o logsOptions) query(now time.Time) (telemetry.Query, error) {
	q := telemetry.Query{
		SrcIP:       o.src,
		DstIP:       o.dst,
		Protocol:    o.protocol,
		BlockedOnly: o.blocked,
		SortBy:      telemetry.SortField(o.sortBy),
		Descending:  o.desc,
		Limit:       o.limit,
	}
	if o.since != "" {
		if d, err := time.ParseDuration(o.since); err == nil {
			q.Since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339, o.since); err == nil {
			q.Since = t
		} else {
			return q, fmt.Errorf("--since %q: want a duration or RFC 3339 time", o.since)
		}
	}
	return q, q.Validate()
}

func runLogs(ctx context.Context, client controlClient, out io.Writer, q telemetry.Query, csvPath string) error {
	records, err := client.QueryLog(ctx, q)
	if err != nil {
		return err
	}

	switch {
	case csvPath == "-":
		return telemetry.WriteCSV(out, records)
	case csvPath != "":
		return writeCSVFile(csvPath, records, out)
	case jsonOutput:
		return printJSON(out, records)
	default:
		return printRecords(out, records)
	}
}

func writeCSVFile(path string, records []core.PacketRecord, out io.Writer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := telemetry.WriteCSV(f, records); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %d entries to %s\n", len(records), path)
	return nil
}

func printRecords(out io.Writer, records []core.PacketRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no matching entries")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPROTOCOL\tSOURCE\tDESTINATION\tDIRECTION\tACTION")
	for _, r := range records {
		proto, src, dst := "-", "-", "-"
		if r.HasIP {
			proto = core.ProtocolName(r.Protocol)
			src, dst = r.SrcIP, r.DstIP
			if r.HasPorts {
				src += ":" + strconv.Itoa(int(r.SrcPort))
				dst += ":" + strconv.Itoa(int(r.DstPort))
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05.000"), proto, src, dst, orDash(string(r.Direction)), r.Verdict)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
