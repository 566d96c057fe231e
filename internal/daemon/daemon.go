// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dbreno/netwarden/internal/capture"
	"github.com/dbreno/netwarden/internal/command"
	"github.com/dbreno/netwarden/internal/config"
	"github.com/dbreno/netwarden/internal/control"
	"github.com/dbreno/netwarden/internal/firewall"
	logpkg "github.com/dbreno/netwarden/internal/log"
	"github.com/dbreno/netwarden/internal/metrics"
	"github.com/dbreno/netwarden/internal/notify"
	"github.com/dbreno/netwarden/internal/pipeline"
	"github.com/dbreno/netwarden/internal/rules"
	"github.com/dbreno/netwarden/internal/telemetry"
)

// Daemon manages the netwarden daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	store      *rules.Store
	reconciler *firewall.Reconciler
	agg        *telemetry.Aggregator
	notifier   *notify.Notifier   // nil if notify disabled
	pipeline   *pipeline.Pipeline // nil if capture disabled
	source     capture.Source     // owned by pipeline once started
	svc        *control.Service
	cmdHandler *command.CommandHandler
	udsServer  *command.UDSServer
	metricsSrv *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New loads configPath and prepares a daemon. Non-empty socketPath and
// pidFile override the configured values.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components. On error, components
// already started are stopped again.
func (d *Daemon) Start() (err error) {
	cfg := d.config

	// 1. Logging
	if err := logpkg.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting netwarden daemon",
		"version", command.Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. PID file
	if err := writePIDFile(d.pidFile); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	// 3. Rule store, reconciler, telemetry
	d.store = rules.New(cfg.Rules.Path)
	loaded := d.store.Load()
	slog.Info("rules loaded", "path", cfg.Rules.Path, "count", len(loaded))

	kernel, err := firewall.NewKernel(cfg.Firewall.Backend, cfg.Firewall.Binary, cfg.Firewall.Table)
	if err != nil {
		return fmt.Errorf("failed to create firewall backend: %w", err)
	}
	d.reconciler = firewall.New(kernel, firewall.Config{
		InboundChain:      cfg.Firewall.InboundChain,
		OutboundChain:     cfg.Firewall.OutboundChain,
		FlushChains:       cfg.Firewall.FlushChains,
		RollbackOnFailure: cfg.Firewall.RollbackOnFailure,
	})
	d.agg = telemetry.NewAggregator()

	if cfg.Notify.Enabled {
		d.notifier = notify.New(d.agg, notify.Config{
			Interval:        cfg.Notify.Interval,
			SpikeThreshold:  cfg.Notify.SpikeThreshold,
			SpikeWindow:     cfg.Notify.SpikeWindow,
			MaxAlerts:       cfg.Notify.MaxAlerts,
			AlertsPerSecond: cfg.Notify.AlertsPerSecond,
		})
		go d.notifier.Run(d.ctx)
	}

	d.svc = control.New(d.store, d.reconciler, d.agg, d.notifier)

	// 4. Metrics server
	if err := d.startMetrics(); err != nil {
		return err
	}

	// 5. Command handler and UDS server
	d.cmdHandler = command.NewCommandHandler(d.svc, d)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		return err
	}
	go func() {
		if err := d.udsServer.Serve(d.ctx); err != nil {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// 6. Capture
	if err := d.startCapture(); err != nil {
		return err
	}

	// 7. Optional enforcement. A rejected directive is logged and left
	// for the operator; the daemon keeps running inactive.
	if cfg.Firewall.ActivateOnStart {
		if _, err := d.svc.SetActive(d.ctx, true); err != nil {
			slog.Error("activate_on_start failed, firewall left inactive", "error", err)
		}
	}

	slog.Info("daemon started successfully")
	return nil
}

func (d *Daemon) startCapture() error {
	if !d.config.Capture.Enabled {
		slog.Info("capture disabled")
		return nil
	}

	src, err := capture.New(d.config.Capture)
	if err != nil {
		return fmt.Errorf("failed to open capture source: %w", err)
	}
	d.source = src
	d.pipeline = pipeline.New(pipeline.Config{
		Source:   src,
		Rules:    d.store,
		Recorder: d.agg,
	})
	if err := d.pipeline.Start(); err != nil {
		return err
	}
	d.cmdHandler.SetCaptureStats(func() any { return d.pipeline.Stats() })

	go func() {
		select {
		case <-d.pipeline.Done():
			if d.ctx.Err() == nil {
				slog.Info("capture source exhausted", "stats", d.pipeline.Stats())
			}
		case <-d.ctx.Done():
		}
	}()
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsSrv = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, d.health)
	if err := d.metricsSrv.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	slog.Info("metrics server started",
		"addr", d.metricsSrv.Addr(),
		"path", d.config.Metrics.Path,
	)
	return nil
}

// health is unhealthy while a failed activation left directives behind.
func (d *Daemon) health() error {
	if st := d.reconciler.Status(); st.Residual > 0 {
		return fmt.Errorf("%d residual firewall directives, run block off or reset", st.Residual)
	}
	return nil
}

// Stop performs graceful shutdown of all daemon components. Kernel
// directives stay in place: enforcement outlives the daemon until an
// explicit deactivation.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown")

		// 1. No new commands
		if d.udsServer != nil {
			d.udsServer.Stop()
		}

		// 2. Capture
		if d.pipeline != nil {
			if err := d.pipeline.Stop(); err != nil {
				slog.Error("error stopping capture", "error", err)
			}
		} else if d.source != nil {
			d.source.Close()
		}

		// 3. Metrics
		if d.metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.metricsSrv.Stop(shutdownCtx); err != nil {
				slog.Error("error stopping metrics server", "error", err)
			}
			cancel()
		}

		// 4. Notifier and remaining goroutines
		d.cancel()

		if d.sigChan != nil {
			signal.Stop(d.sigChan)
		}

		if err := removePIDFile(d.pidFile); err != nil {
			slog.Error("error removing PID file", "error", err)
		}

		if d.reconciler != nil && d.reconciler.Status().Active {
			slog.Info("firewall left active", "directives", d.reconciler.Status().Directives)
		}
		slog.Info("daemon stopped gracefully")
		logpkg.Close()
	})
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the
// daemon_shutdown command or cancellation. SIGHUP reloads configuration and
// rules.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload rereads the configuration file and the rule file. Logging is
// hot-reloaded; capture, firewall backend, socket, metrics listener and rule
// path changes need a restart and are only reported.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	old := d.config
	d.config = newConfig
	d.mu.Unlock()

	hotReloaded := []string{}
	if err := logpkg.Init(newConfig.Log); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if newConfig.Capture.Type != old.Capture.Type ||
		newConfig.Capture.Interface != old.Capture.Interface ||
		newConfig.Capture.File != old.Capture.File ||
		newConfig.Capture.BPFFilter != old.Capture.BPFFilter ||
		newConfig.Capture.Enabled != old.Capture.Enabled {
		requiresRestart = append(requiresRestart, "capture")
	}
	if newConfig.Firewall.Backend != old.Firewall.Backend ||
		newConfig.Firewall.InboundChain != old.Firewall.InboundChain ||
		newConfig.Firewall.OutboundChain != old.Firewall.OutboundChain {
		requiresRestart = append(requiresRestart, "firewall")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Control != old.Control {
		requiresRestart = append(requiresRestart, "control")
	}
	if newConfig.Rules.Path != old.Rules.Path {
		requiresRestart = append(requiresRestart, "rules.path")
	}

	current := d.svc.Reload()

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
		"rules", len(current),
	)
	return nil
}

// TriggerShutdown asks Run to stop. Safe to call more than once.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Service exposes the control surface, mainly for tests.
func (d *Daemon) Service() *control.Service {
	return d.svc
}

// ErrCaptureDisabled is returned by CaptureDone when no capture runs.
var ErrCaptureDisabled = errors.New("daemon: capture disabled")

// CaptureDone returns a channel closed once the capture source is exhausted
// or stopped.
func (d *Daemon) CaptureDone() (<-chan struct{}, error) {
	if d.pipeline == nil {
		return nil, ErrCaptureDisabled
	}
	return d.pipeline.Done(), nil
}
