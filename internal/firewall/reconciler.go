package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dbreno/netwarden/internal/core"
)

// Kernel applies directives to the host packet filter. Every call is
// synchronous; a returned error's message is the kernel's diagnostic.
type Kernel interface {
	Append(ctx context.Context, d Directive) error
	Flush(ctx context.Context, chain string) error
}

// State of the reconciler.
type State int

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// Status is the observable reconciler state.
type Status struct {
	Active     bool `json:"active"`
	Directives int  `json:"directives"`
	// Residual counts directives left in the kernel by a failed activation.
	Residual int `json:"residual"`
}

// Config selects the chains the reconciler writes to and flushes.
type Config struct {
	InboundChain  string
	OutboundChain string
	// FlushChains are emptied on deactivation, including chains no
	// directive is ever appended to.
	FlushChains []string
	// RollbackOnFailure flushes FlushChains when an activation fails part
	// way, instead of leaving the applied directives in place.
	RollbackOnFailure bool
}

// DefaultConfig mirrors plain iptables usage: rules go to INPUT and OUTPUT,
// and deactivation flushes INPUT, OUTPUT and FORWARD.
func DefaultConfig() Config {
	return Config{
		InboundChain:  ChainInput,
		OutboundChain: ChainOutput,
		FlushChains:   []string{ChainInput, ChainOutput, ChainForward},
	}
}

// ReconcileError reports a kernel rejection. It matches core.ErrReconcile
// and the underlying cause with errors.Is.
type ReconcileError struct {
	Op         string     `json:"op"` // "append" or "flush"
	Chain      string     `json:"chain"`
	Directive  *Directive `json:"directive,omitempty"`
	Diagnostic string     `json:"diagnostic"`
	Err        error      `json:"-"`
}

func (e *ReconcileError) Error() string {
	target := e.Chain
	if e.Directive != nil {
		target = e.Directive.String()
	}
	return fmt.Sprintf("reconcile: %s %s: %s", e.Op, target, e.Diagnostic)
}

func (e *ReconcileError) Unwrap() []error {
	return []error{core.ErrReconcile, e.Err}
}

// Reconciler is a two-state machine over the kernel filter. It does not diff:
// activating records exactly the directives built from the rules it was
// given, and later rule changes take effect on the next inactive -> active
// transition.
type Reconciler struct {
	kernel Kernel
	cfg    Config

	mu       sync.Mutex
	state    State
	applied  []Directive
	residual []Directive
}

// New returns an inactive reconciler. Missing chain names fall back to
// DefaultConfig.
func New(kernel Kernel, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.InboundChain == "" {
		cfg.InboundChain = def.InboundChain
	}
	if cfg.OutboundChain == "" {
		cfg.OutboundChain = def.OutboundChain
	}
	if len(cfg.FlushChains) == 0 {
		cfg.FlushChains = def.FlushChains
	}
	return &Reconciler{kernel: kernel, cfg: cfg}
}

// Activate enforces the block rules of rules. Directives are appended one at
// a time; the first rejection aborts with a *ReconcileError and the state
// stays inactive. Unless RollbackOnFailure is set, directives appended before
// the failure stay in the kernel and are reported as residual.
//
// Activate on an active reconciler is a no-op.
func (r *Reconciler) Activate(ctx context.Context, rules []core.Rule) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateActive {
		return r.statusLocked(), nil
	}

	directives := BuildDirectives(rules, r.cfg.InboundChain, r.cfg.OutboundChain)
	applied := make([]Directive, 0, len(directives))

	for i := range directives {
		d := directives[i]
		err := ctx.Err()
		if err == nil {
			err = r.kernel.Append(ctx, d)
		}
		if err != nil {
			rerr := &ReconcileError{Op: "append", Chain: d.Chain, Directive: &d, Diagnostic: err.Error(), Err: err}
			r.residual = append(r.residual, applied...)
			if r.cfg.RollbackOnFailure {
				r.rollbackLocked(ctx)
			}
			slog.Error("firewall activation failed",
				"directive", d.String(),
				"applied", len(applied),
				"residual", len(r.residual),
				"error", err)
			return r.statusLocked(), rerr
		}
		applied = append(applied, d)
		slog.Debug("directive applied", "directive", d.String())
	}

	r.applied = applied
	r.state = StateActive
	slog.Info("firewall blocking activated", "directives", len(applied))
	return r.statusLocked(), nil
}

// Deactivate flushes every managed chain, removing all entries in them, not
// only those this process appended. On a rejected flush it returns a
// *ReconcileError and stays active.
//
// Deactivate on an inactive reconciler is a no-op.
func (r *Reconciler) Deactivate(ctx context.Context) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateInactive {
		return r.statusLocked(), nil
	}
	if err := r.flushLocked(ctx); err != nil {
		return r.statusLocked(), err
	}

	r.applied = nil
	r.residual = nil
	r.state = StateInactive
	slog.Info("firewall blocking deactivated")
	return r.statusLocked(), nil
}

// Reset flushes every managed chain whatever the state and leaves the
// reconciler inactive. It is the way to clear residual directives after a
// failed activation.
func (r *Reconciler) Reset(ctx context.Context) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.flushLocked(ctx); err != nil {
		return r.statusLocked(), err
	}
	r.applied = nil
	r.residual = nil
	r.state = StateInactive
	slog.Info("firewall chains reset")
	return r.statusLocked(), nil
}

// Status returns the current observable state.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Directives returns a copy of the directives recorded by the last
// successful activation. Empty while inactive.
func (r *Reconciler) Directives() []Directive {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Directive, len(r.applied))
	copy(out, r.applied)
	return out
}

func (r *Reconciler) statusLocked() Status {
	return Status{
		Active:     r.state == StateActive,
		Directives: len(r.applied),
		Residual:   len(r.residual),
	}
}

func (r *Reconciler) flushLocked(ctx context.Context) error {
	for _, chain := range r.cfg.FlushChains {
		if err := r.kernel.Flush(ctx, chain); err != nil {
			slog.Error("firewall flush failed", "chain", chain, "error", err)
			return &ReconcileError{Op: "flush", Chain: chain, Diagnostic: err.Error(), Err: err}
		}
	}
	return nil
}

func (r *Reconciler) rollbackLocked(ctx context.Context) {
	// The activation context may be what failed.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := r.flushLocked(ctx); err != nil {
		slog.Error("firewall rollback failed, directives remain", "residual", len(r.residual), "error", err)
		return
	}
	r.residual = nil
}
