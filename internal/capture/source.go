package capture

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dbreno/netwarden/internal/config"
	"github.com/dbreno/netwarden/internal/core"
)

// Source yields decoded packets in capture order.
type Source interface {
	// Next blocks until a packet is available. It returns io.EOF when an
	// offline source is exhausted and ctx.Err() once ctx is done.
	Next(ctx context.Context) (core.PacketRecord, error)
	// Stats returns running counters for the source.
	Stats() Stats
	Close() error
}

// Stats counts what a source has seen.
type Stats struct {
	Packets      uint64 `json:"packets"`
	DecodeErrors uint64 `json:"decode_errors"`
	Filtered     uint64 `json:"filtered"`
	KernelDrops  uint64 `json:"kernel_drops"`
}

// counters is embedded by sources to implement Stats.
type counters struct {
	packets      atomic.Uint64
	decodeErrors atomic.Uint64
	filtered     atomic.Uint64
	kernelDrops  atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{
		Packets:      c.packets.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Filtered:     c.filtered.Load(),
		KernelDrops:  c.kernelDrops.Load(),
	}
}

// Source types accepted by New.
const (
	TypeAFPacket = "afpacket"
	TypeFile     = "file"
)

// New opens the source described by cfg.
func New(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Type {
	case TypeAFPacket:
		s, err := NewAFPacketSource(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeFile:
		s, err := NewFileSource(cfg.File, cfg.BPFFilter, cfg.SnapLen)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown capture type %q (must be afpacket or file): %w", cfg.Type, core.ErrConfigInvalid)
	}
}
