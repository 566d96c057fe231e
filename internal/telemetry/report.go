package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dbreno/netwarden/internal/core"
)

// SortField names a column the packet log can be ordered by.
type SortField string

const (
	SortTimestamp SortField = "timestamp"
	SortSrcIP     SortField = "src_ip"
	SortDstIP     SortField = "dst_ip"
)

// Query selects and orders log entries. Zero fields do not filter.
type Query struct {
	SrcIP       string    `json:"src_ip,omitempty"`   // case-insensitive substring
	DstIP       string    `json:"dst_ip,omitempty"`   // case-insensitive substring
	Protocol    string    `json:"protocol,omitempty"` // tcp / udp / icmp
	Since       time.Time `json:"since,omitempty"`
	BlockedOnly bool      `json:"blocked_only,omitempty"`
	SortBy      SortField `json:"sort_by,omitempty"`
	Descending  bool      `json:"descending,omitempty"`
	Limit       int       `json:"limit,omitempty"` // 0 = no limit, applied after sorting
}

// Validate rejects unknown protocol names and sort fields.
func (q Query) Validate() error {
	if q.Protocol != "" {
		if _, ok := core.ProtocolNumber(q.Protocol); !ok {
			return fmt.Errorf("query protocol %q: %w", q.Protocol, core.ErrValidation)
		}
	}
	switch q.SortBy {
	case "", SortTimestamp, SortSrcIP, SortDstIP:
	default:
		return fmt.Errorf("query sort field %q: %w", q.SortBy, core.ErrValidation)
	}
	if q.Limit < 0 {
		return fmt.Errorf("query limit %d: %w", q.Limit, core.ErrValidation)
	}
	return nil
}

// Filter returns the entries of records selected by q, in the requested
// order. records is not modified.
func Filter(records []core.PacketRecord, q Query) ([]core.PacketRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var proto uint8
	if q.Protocol != "" {
		proto, _ = core.ProtocolNumber(q.Protocol)
	}
	src := strings.ToLower(q.SrcIP)
	dst := strings.ToLower(q.DstIP)

	out := make([]core.PacketRecord, 0, len(records))
	for _, r := range records {
		if src != "" && !strings.Contains(strings.ToLower(r.SrcIP), src) {
			continue
		}
		if dst != "" && !strings.Contains(strings.ToLower(r.DstIP), dst) {
			continue
		}
		if q.Protocol != "" && (!r.HasIP || r.Protocol != proto) {
			continue
		}
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		if q.BlockedOnly && r.Verdict != core.VerdictBlocked {
			continue
		}
		out = append(out, r)
	}

	sortRecords(out, q.SortBy, q.Descending)

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortRecords(records []core.PacketRecord, by SortField, desc bool) {
	var less func(a, b core.PacketRecord) bool
	switch by {
	case SortSrcIP:
		less = func(a, b core.PacketRecord) bool { return a.SrcIP < b.SrcIP }
	case SortDstIP:
		less = func(a, b core.PacketRecord) bool { return a.DstIP < b.DstIP }
	default:
		if !desc {
			// The log is already in capture order.
			return
		}
		less = func(a, b core.PacketRecord) bool { return a.Timestamp.Before(b.Timestamp) }
	}
	sort.SliceStable(records, func(i, j int) bool {
		if desc {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

// Zone labels for source addresses.
const (
	ZoneLAN = "LAN"
	ZoneWAN = "WAN"
)

// SourceCount is one row of the top talkers table.
type SourceCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
	Zone  string `json:"zone"`
}

// ProtocolCount is one row of the protocol distribution.
type ProtocolCount struct {
	Protocol string `json:"protocol"`
	Count    int    `json:"count"`
}

// Summary is the aggregate view of a log snapshot.
type Summary struct {
	Total      int             `json:"total"`
	Blocked    int             `json:"blocked"`
	Counters   Counters        `json:"counters"`
	TopSources []SourceCount   `json:"top_sources"`
	Protocols  []ProtocolCount `json:"protocols"`
}

// Summarize computes totals, the topN source addresses and the protocol
// distribution. Entries without an IP layer only count towards Total.
func Summarize(records []core.PacketRecord, counters Counters, topN int) Summary {
	s := Summary{Total: len(records), Counters: counters}

	bySource := make(map[string]int)
	byProto := make(map[uint8]int)
	for _, r := range records {
		if r.Verdict == core.VerdictBlocked {
			s.Blocked++
		}
		if !r.HasIP {
			continue
		}
		bySource[r.SrcIP]++
		byProto[r.Protocol]++
	}

	s.TopSources = make([]SourceCount, 0, len(bySource))
	for ip, n := range bySource {
		zone := ZoneWAN
		if core.IsPrivate(ip) {
			zone = ZoneLAN
		}
		s.TopSources = append(s.TopSources, SourceCount{IP: ip, Count: n, Zone: zone})
	}
	sort.Slice(s.TopSources, func(i, j int) bool {
		if s.TopSources[i].Count != s.TopSources[j].Count {
			return s.TopSources[i].Count > s.TopSources[j].Count
		}
		return s.TopSources[i].IP < s.TopSources[j].IP
	})
	if topN > 0 && len(s.TopSources) > topN {
		s.TopSources = s.TopSources[:topN]
	}

	s.Protocols = make([]ProtocolCount, 0, len(byProto))
	for p, n := range byProto {
		s.Protocols = append(s.Protocols, ProtocolCount{Protocol: core.ProtocolName(p), Count: n})
	}
	sort.Slice(s.Protocols, func(i, j int) bool {
		if s.Protocols[i].Count != s.Protocols[j].Count {
			return s.Protocols[i].Count > s.Protocols[j].Count
		}
		return s.Protocols[i].Protocol < s.Protocols[j].Protocol
	})
	return s
}

// Bin is the packet count of one time slot.
type Bin struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// BinCounts groups records at or after since into interval-wide slots
// aligned to interval. The result is contiguous from the first to the last
// populated slot, so quiet periods show up as zero counts.
func BinCounts(records []core.PacketRecord, interval time.Duration, since time.Time) []Bin {
	if interval <= 0 {
		return nil
	}

	counts := make(map[int64]int)
	first, last := int64(0), int64(0)
	seen := false
	for _, r := range records {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		slot := r.Timestamp.Truncate(interval).UnixNano()
		counts[slot]++
		if !seen || slot < first {
			first = slot
		}
		if !seen || slot > last {
			last = slot
		}
		seen = true
	}
	if !seen {
		return nil
	}

	bins := make([]Bin, 0, (last-first)/int64(interval)+1)
	for slot := first; slot <= last; slot += int64(interval) {
		bins = append(bins, Bin{Start: time.Unix(0, slot), Count: counts[slot]})
	}
	return bins
}
