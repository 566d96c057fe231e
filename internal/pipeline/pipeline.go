// Package pipeline drives a capture source through the classifier into the
// telemetry aggregator.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dbreno/netwarden/internal/capture"
	"github.com/dbreno/netwarden/internal/classifier"
	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/metrics"
)

// RuleSource supplies the rule list packets are classified against.
type RuleSource interface {
	Current() []core.Rule
}

// Recorder receives classified packets in capture order.
type Recorder interface {
	Record(core.PacketRecord)
}

// Config contains pipeline configuration.
type Config struct {
	Source     capture.Source
	Rules      RuleSource
	Recorder   Recorder
	BufferSize int // Capture-to-classify channel size

	// ErrorBackoff is the pause after a source error before reading again.
	ErrorBackoff time.Duration
	// StatsInterval controls how often source counters reach Prometheus.
	StatsInterval time.Duration
}

// Pipeline is one capture goroutine feeding one classify goroutine.
type Pipeline struct {
	source   capture.Source
	rules    RuleSource
	recorder Recorder
	metrics  *Metrics

	errorBackoff  time.Duration
	statsInterval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	drained chan struct{}

	packetChan chan core.PacketRecord

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 100 * time.Millisecond
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		source:        cfg.Source,
		rules:         cfg.Rules,
		recorder:      cfg.Recorder,
		metrics:       &Metrics{},
		errorBackoff:  cfg.ErrorBackoff,
		statsInterval: cfg.StatsInterval,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		drained:       make(chan struct{}),
		packetChan:    make(chan core.PacketRecord, cfg.BufferSize),
	}
}

// Start starts the capture and classify goroutines.
func (p *Pipeline) Start() error {
	p.startOnce.Do(func() {
		slog.Info("pipeline starting")

		p.wg.Add(3)
		go p.captureLoop()
		go p.processLoop()
		go p.statsLoop()

		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
	return nil
}

// Done is closed once both loops have exited, either after Stop or when an
// offline source is exhausted.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stop stops the pipeline and closes the source.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		slog.Info("pipeline stopping")

		p.cancel()
		p.wg.Wait()
		err = p.source.Close()

		slog.Info("pipeline stopped", "received", p.metrics.Received.Load())
	})
	return err
}

// captureLoop pulls packets from the source onto packetChan.
func (p *Pipeline) captureLoop() {
	defer p.wg.Done()
	defer close(p.packetChan)

	for {
		rec, err := p.source.Next(p.ctx)
		if err != nil {
			switch {
			case p.ctx.Err() != nil:
				return
			case errors.Is(err, io.EOF):
				slog.Info("capture source exhausted")
				return
			case errors.Is(err, core.ErrSourceClosed):
				slog.Info("capture source closed")
				return
			}
			p.metrics.SourceErrors.Add(1)
			slog.Warn("capture read failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.errorBackoff):
			}
			continue
		}

		select {
		case p.packetChan <- rec:
		case <-p.ctx.Done():
			return
		}
	}
}

// processLoop classifies and records packets one at a time, which keeps the
// telemetry log in capture order.
func (p *Pipeline) processLoop() {
	defer p.wg.Done()
	defer close(p.drained)

	for {
		select {
		case <-p.ctx.Done():
			return

		case rec, ok := <-p.packetChan:
			if !ok {
				return
			}
			p.process(rec)
		}
	}
}

func (p *Pipeline) process(rec core.PacketRecord) {
	p.metrics.Received.Add(1)

	start := time.Now()
	rec.Verdict, rec.Rule = classifier.Classify(rec, p.rules.Current())
	metrics.ClassifyLatencySeconds.Observe(time.Since(start).Seconds())

	if rec.Verdict == core.VerdictBlocked {
		p.metrics.Blocked.Add(1)
	} else {
		p.metrics.Allowed.Add(1)
	}
	direction := string(rec.Direction)
	if direction == "" {
		direction = "none"
	}
	metrics.PacketsTotal.WithLabelValues(string(rec.Verdict), direction).Inc()

	p.recorder.Record(rec)
}

// statsLoop exports source counters as Prometheus deltas.
func (p *Pipeline) statsLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()

	var last capture.Stats
	export := func() {
		cur := p.source.Stats()
		if d := cur.DecodeErrors - last.DecodeErrors; cur.DecodeErrors > last.DecodeErrors {
			metrics.CaptureDropsTotal.WithLabelValues("decode").Add(float64(d))
		}
		if d := cur.KernelDrops - last.KernelDrops; cur.KernelDrops > last.KernelDrops {
			metrics.CaptureDropsTotal.WithLabelValues("kernel").Add(float64(d))
		}
		last = cur
	}

	for {
		select {
		case <-p.drained:
			export()
			return
		case <-ticker.C:
			export()
		}
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:     p.metrics.Received.Load(),
		Blocked:      p.metrics.Blocked.Load(),
		Allowed:      p.metrics.Allowed.Load(),
		SourceErrors: p.metrics.SourceErrors.Load(),
		Source:       p.source.Stats(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received     uint64        `json:"received"`
	Blocked      uint64        `json:"blocked"`
	Allowed      uint64        `json:"allowed"`
	SourceErrors uint64        `json:"source_errors"`
	Source       capture.Stats `json:"source"`
}
