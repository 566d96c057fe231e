// Package notify raises alerts for blocked packets and traffic spikes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/metrics"
	"github.com/dbreno/netwarden/internal/telemetry"
)

// Kind classifies an alert.
type Kind string

const (
	KindBlocked Kind = "blocked"
	KindSpike   Kind = "spike"
)

// Alert is one notification.
type Alert struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	SrcIP   string    `json:"src_ip,omitempty"`
	DstIP   string    `json:"dst_ip,omitempty"`
	Count   int       `json:"count,omitempty"`
}

// LogSource is the part of the aggregator the notifier reads.
type LogSource interface {
	Since(from int) ([]core.PacketRecord, int)
}

// Config controls detection and retention.
type Config struct {
	Interval        time.Duration
	SpikeThreshold  int
	SpikeWindow     time.Duration
	MaxAlerts       int
	AlertsPerSecond float64
}

// Notifier scans packets logged since its previous check.
type Notifier struct {
	src LogSource
	cfg Config

	mu         sync.Mutex
	cursor     int
	ring       []Alert
	next       int
	full       bool
	limiter    *rate.Limiter
	suppressed int
}

// New returns a notifier reading from src.
func New(src LogSource, cfg Config) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SpikeThreshold <= 0 {
		cfg.SpikeThreshold = 50
	}
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = 10 * time.Second
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 100
	}
	if cfg.AlertsPerSecond <= 0 {
		cfg.AlertsPerSecond = 1
	}
	burst := int(cfg.AlertsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		src:     src,
		cfg:     cfg,
		ring:    make([]Alert, cfg.MaxAlerts),
		limiter: rate.NewLimiter(rate.Limit(cfg.AlertsPerSecond), burst),
	}
}

// Run calls Check every interval until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.Check(now)
		}
	}
}

// Check examines packets logged since the previous call and returns the
// alerts raised, oldest first.
func (n *Notifier) Check(now time.Time) []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()

	records, next := n.src.Since(n.cursor)
	n.cursor = next
	if len(records) == 0 {
		return nil
	}

	var raised []Alert
	for _, r := range records {
		if r.Verdict != core.VerdictBlocked {
			continue
		}
		raised = append(raised, Alert{
			Time:    r.Timestamp,
			Kind:    KindBlocked,
			Message: fmt.Sprintf("blocked %s -> %s", orUnknown(r.SrcIP), orUnknown(r.DstIP)),
			SrcIP:   r.SrcIP,
			DstIP:   r.DstIP,
		})
	}

	for _, b := range telemetry.BinCounts(records, n.cfg.SpikeWindow, time.Time{}) {
		if b.Count <= n.cfg.SpikeThreshold {
			continue
		}
		raised = append(raised, Alert{
			Time:    b.Start,
			Kind:    KindSpike,
			Message: fmt.Sprintf("traffic spike: %d packets in %s", b.Count, n.cfg.SpikeWindow),
			Count:   b.Count,
		})
	}

	for _, a := range raised {
		n.push(a)
		metrics.AlertsTotal.WithLabelValues(string(a.Kind)).Inc()
		n.logLocked(now, a)
	}
	return raised
}

// logLocked writes a to the log unless the limiter says otherwise; skipped
// alerts are summarized on the next line that gets through.
func (n *Notifier) logLocked(now time.Time, a Alert) {
	if !n.limiter.AllowN(now, 1) {
		n.suppressed++
		return
	}
	attrs := []any{"kind", a.Kind, "at", a.Time}
	if a.Kind == KindBlocked {
		attrs = append(attrs, "src_ip", a.SrcIP, "dst_ip", a.DstIP)
	} else {
		attrs = append(attrs, "count", a.Count)
	}
	if n.suppressed > 0 {
		attrs = append(attrs, "suppressed", n.suppressed)
		n.suppressed = 0
	}
	slog.Warn(a.Message, attrs...)
}

func (n *Notifier) push(a Alert) {
	n.ring[n.next] = a
	n.next = (n.next + 1) % len(n.ring)
	if n.next == 0 {
		n.full = true
	}
}

// Alerts returns up to limit retained alerts, newest first. limit <= 0
// returns all of them.
func (n *Notifier) Alerts(limit int) []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()

	size := n.next
	if n.full {
		size = len(n.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (n.next - i + len(n.ring)) % len(n.ring)
		out = append(out, n.ring[idx])
	}
	return out
}

// Clear drops every retained alert. Packets already checked stay checked.
func (n *Notifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ring = make([]Alert, len(n.ring))
	n.next = 0
	n.full = false
}

func orUnknown(ip string) string {
	if ip == "" {
		return "?"
	}
	return ip
}
