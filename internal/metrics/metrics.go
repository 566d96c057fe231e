// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts classified packets.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwarden_packets_total",
			Help: "Total number of classified packets",
		},
		[]string{"verdict", "direction"},
	)

	// CaptureDropsTotal counts frames lost before classification.
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwarden_capture_drops_total",
			Help: "Total number of frames dropped before classification",
		},
		[]string{"stage"}, // decode | kernel
	)

	// ClassifyLatencySeconds measures per-packet classification time.
	ClassifyLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netwarden_classify_latency_seconds",
			Help:    "Latency of packet classification in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0000001, 2, 18), // 100ns to ~13ms
		},
	)

	// TelemetryRecords tracks the size of the telemetry log.
	TelemetryRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netwarden_telemetry_records",
			Help: "Number of packet records held in the telemetry log",
		},
	)

	// Rules tracks the number of rules in the active list.
	Rules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netwarden_rules",
			Help: "Number of rules in the current rule list",
		},
	)

	// FirewallActive is 1 while kernel filtering is active.
	FirewallActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netwarden_firewall_active",
			Help: "Whether kernel filtering is active (1) or not (0)",
		},
	)

	// FirewallDirectives tracks directives currently installed in the kernel.
	FirewallDirectives = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netwarden_firewall_directives",
			Help: "Number of filtering directives installed in the kernel",
		},
	)

	// ReconcileErrorsTotal counts failed activate/deactivate attempts.
	ReconcileErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwarden_reconcile_errors_total",
			Help: "Total number of failed kernel reconciliations",
		},
		[]string{"op"},
	)

	// AlertsTotal counts alerts raised by the notifier.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwarden_alerts_total",
			Help: "Total number of alerts raised",
		},
		[]string{"kind"},
	)

	// RPCRequestsTotal counts control requests by method and result code.
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwarden_rpc_requests_total",
			Help: "Total number of control requests handled",
		},
		[]string{"method", "code"},
	)
)
