// Package control is the operator-facing surface over the rule store, the
// kernel reconciler and the telemetry log.
package control

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/firewall"
	"github.com/dbreno/netwarden/internal/metrics"
	"github.com/dbreno/netwarden/internal/notify"
	"github.com/dbreno/netwarden/internal/rules"
	"github.com/dbreno/netwarden/internal/telemetry"
)

// Status combines the reconciler state with the rule count.
type Status struct {
	firewall.Status
	Rules     int    `json:"rules"`
	RulesPath string `json:"rules_path"`
}

// IndexedRule pairs a rule with its position, which is its identity.
type IndexedRule struct {
	Index int `json:"index"`
	core.Rule
}

// Stats is the telemetry summary plus per-interval packet counts.
type Stats struct {
	telemetry.Summary
	Bins []telemetry.Bin `json:"bins,omitempty"`
}

// Service implements the control operations. Every method is safe for
// concurrent use.
type Service struct {
	store      *rules.Store
	reconciler *firewall.Reconciler
	agg        *telemetry.Aggregator
	notifier   *notify.Notifier
}

// New wires a service. notifier may be nil.
func New(store *rules.Store, reconciler *firewall.Reconciler, agg *telemetry.Aggregator, notifier *notify.Notifier) *Service {
	s := &Service{store: store, reconciler: reconciler, agg: agg, notifier: notifier}
	metrics.Rules.Set(float64(len(store.Current())))
	return s
}

// Status reports whether kernel filtering is active.
func (s *Service) Status() Status {
	return Status{
		Status:    s.reconciler.Status(),
		Rules:     len(s.store.Current()),
		RulesPath: s.store.Path(),
	}
}

// SetActive activates or deactivates kernel filtering. Requesting the
// current state is a no-op.
func (s *Service) SetActive(ctx context.Context, active bool) (Status, error) {
	var (
		st  firewall.Status
		err error
		op  = "deactivate"
	)
	if active {
		op = "activate"
		st, err = s.reconciler.Activate(ctx, s.store.Current())
	} else {
		st, err = s.reconciler.Deactivate(ctx)
	}
	s.observe(st)

	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues(op).Inc()
		var rerr *firewall.ReconcileError
		if errors.As(err, &rerr) {
			slog.Error("firewall "+op+" failed",
				"chain", rerr.Chain, "diagnostic", rerr.Diagnostic, "residual", st.Residual)
		}
		return s.withRules(st), err
	}

	slog.Info("firewall "+op+"d", "directives", st.Directives)
	return s.withRules(st), nil
}

// ResetResidue flushes directives left behind by a failed activation.
func (s *Service) ResetResidue(ctx context.Context) (Status, error) {
	st, err := s.reconciler.Reset(ctx)
	s.observe(st)
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("reset").Inc()
	}
	return s.withRules(st), err
}

// ListRules returns the current rules with their indexes.
func (s *Service) ListRules() []IndexedRule {
	current := s.store.Current()
	out := make([]IndexedRule, len(current))
	for i, r := range current {
		out[i] = IndexedRule{Index: i, Rule: r}
	}
	return out
}

// AddRule appends rule. Kernel directives are not touched until the next
// activation.
func (s *Service) AddRule(rule core.Rule) error {
	if err := s.store.Add(rule); err != nil {
		return err
	}
	s.ruleChanged("rule added", "rule", rule.String())
	return nil
}

// UpdateRule replaces the rule at index.
func (s *Service) UpdateRule(index int, rule core.Rule) error {
	if err := s.store.Update(index, rule); err != nil {
		return err
	}
	s.ruleChanged("rule updated", "index", index, "rule", rule.String())
	return nil
}

// DeleteRule removes the rule at index.
func (s *Service) DeleteRule(index int) error {
	if err := s.store.Delete(index); err != nil {
		return err
	}
	s.ruleChanged("rule deleted", "index", index)
	return nil
}

// Reload re-reads the rule file. A broken file keeps the current rules.
func (s *Service) Reload() []IndexedRule {
	s.store.Load()
	s.ruleChanged("rules reloaded", "path", s.store.Path())
	return s.ListRules()
}

// Stats summarizes the telemetry log. binInterval <= 0 omits the bins.
func (s *Service) Stats(topN int, binInterval time.Duration) Stats {
	records, counters := s.agg.Snapshot()
	metrics.TelemetryRecords.Set(float64(len(records)))

	st := Stats{Summary: telemetry.Summarize(records, counters, topN)}
	if binInterval > 0 {
		st.Bins = telemetry.BinCounts(records, binInterval, time.Time{})
	}
	return st
}

// Query filters the telemetry log.
func (s *Service) Query(q telemetry.Query) ([]core.PacketRecord, error) {
	records, _ := s.agg.Snapshot()
	return telemetry.Filter(records, q)
}

// Notifications returns up to limit alerts, newest first.
func (s *Service) Notifications(limit int) []notify.Alert {
	if s.notifier == nil {
		return []notify.Alert{}
	}
	return s.notifier.Alerts(limit)
}

// ClearNotifications drops retained alerts.
func (s *Service) ClearNotifications() {
	if s.notifier != nil {
		s.notifier.Clear()
	}
}

func (s *Service) ruleChanged(msg string, attrs ...any) {
	n := len(s.store.Current())
	metrics.Rules.Set(float64(n))
	attrs = append(attrs, "rules", n)
	if s.reconciler.State() == firewall.StateActive {
		attrs = append(attrs, "pending", true)
	}
	slog.Info(msg, attrs...)
}

func (s *Service) observe(st firewall.Status) {
	if st.Active {
		metrics.FirewallActive.Set(1)
	} else {
		metrics.FirewallActive.Set(0)
	}
	metrics.FirewallDirectives.Set(float64(st.Directives + st.Residual))
}

func (s *Service) withRules(st firewall.Status) Status {
	return Status{Status: st, Rules: len(s.store.Current()), RulesPath: s.store.Path()}
}
