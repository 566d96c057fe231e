package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/dbreno/netwarden/internal/core"
)

var csvHeader = []string{
	"timestamp", "src_ip", "dst_ip", "src_port", "dst_port",
	"protocol", "direction", "action", "rule",
}

// WriteCSV writes records as CSV with a header row. Timestamps are Unix
// seconds with microsecond precision; absent fields are empty cells.
func WriteCSV(w io.Writer, records []core.PacketRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("csv export: write header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.FormatFloat(float64(r.Timestamp.UnixMicro())/1e6, 'f', 6, 64),
			r.SrcIP,
			r.DstIP,
			"",
			"",
			"",
			string(r.Direction),
			string(r.Verdict),
			"",
		}
		if r.HasPorts {
			row[3] = strconv.Itoa(int(r.SrcPort))
			row[4] = strconv.Itoa(int(r.DstPort))
		}
		if r.HasIP {
			row[5] = strconv.Itoa(int(r.Protocol))
		}
		if r.Rule != nil {
			row[8] = r.Rule.String()
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("csv export: write row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv export: flush: %w", err)
	}
	return nil
}
