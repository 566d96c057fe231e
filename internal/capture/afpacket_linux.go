//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"github.com/dbreno/netwarden/internal/config"
	"github.com/dbreno/netwarden/internal/core"
)

// AFPacketSource captures live traffic through a TPACKET_V3 ring.
type AFPacketSource struct {
	counters

	iface   string
	handle  *afpacket.TPacket
	decoder *Decoder

	closeOnce sync.Once
}

// NewAFPacketSource opens a ring on cfg.Interface and attaches the BPF
// filter, if any, in the kernel.
func NewAFPacketSource(cfg config.CaptureConfig) (*AFPacketSource, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("capture.interface is required for afpacket capture: %w", core.ErrConfigInvalid)
	}

	frameSize, blockSize, numBlocks, err := ringSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("afpacket ring size: %w", err)
	}
	if cfg.BlockSize > 0 && cfg.NumBlocks > 0 {
		blockSize, numBlocks = cfg.BlockSize, cfg.NumBlocks
	}

	pollTimeout := cfg.AFPacket.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = pollTimeoutDefault
	}

	opts := []interface{}{
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	}
	if cfg.Interface != "any" {
		opts = append(opts, afpacket.OptInterface(cfg.Interface))
	}

	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return nil, fmt.Errorf("open afpacket on %s: %w", cfg.Interface, err)
	}

	if cfg.AFPacket.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, uint16(cfg.AFPacket.FanoutID)); err != nil {
			tp.Close()
			return nil, fmt.Errorf("afpacket fanout %d: %w", cfg.AFPacket.FanoutID, err)
		}
	}

	if cfg.BPFFilter != "" {
		raw, err := CompileBPF(cfg.BPFFilter, layers.LinkTypeEthernet, frameSize)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("attach bpf filter: %w", err)
		}
	}

	slog.Info("afpacket capture opened",
		"interface", cfg.Interface,
		"frame_size", frameSize,
		"block_size", blockSize,
		"num_blocks", numBlocks,
		"bpf", cfg.BPFFilter,
	)

	return &AFPacketSource{
		iface:   cfg.Interface,
		handle:  tp,
		decoder: NewDecoder(layers.LayerTypeEthernet),
	}, nil
}

// Next blocks on the ring until a decodable frame arrives. The poll timeout
// bounds how long a cancelled ctx goes unnoticed.
func (s *AFPacketSource) Next(ctx context.Context) (core.PacketRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return core.PacketRecord{}, err
		}

		data, ci, err := s.handle.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) {
				continue
			}
			if errors.Is(err, afpacket.ErrPoll) || errors.Is(err, os.ErrClosed) {
				return core.PacketRecord{}, core.ErrSourceClosed
			}
			return core.PacketRecord{}, fmt.Errorf("read from %s: %w", s.iface, err)
		}

		rec, err := s.decoder.Decode(data, ci)
		if err != nil {
			s.decodeErrors.Add(1)
			slog.Debug("skipping undecodable frame", "interface", s.iface, "error", err)
			continue
		}
		s.packets.Add(1)
		return rec, nil
	}
}

// Stats adds the kernel drop counter to the source counters.
func (s *AFPacketSource) Stats() Stats {
	st := s.counters.Stats()
	if _, v3, err := s.handle.SocketStats(); err == nil {
		s.kernelDrops.Store(uint64(v3.Drops()))
		st.KernelDrops = uint64(v3.Drops())
	}
	return st
}

// Close releases the ring.
func (s *AFPacketSource) Close() error {
	s.closeOnce.Do(func() {
		s.handle.Close()
	})
	return nil
}

// ringSize derives TPACKET_V3 geometry for a buffer of roughly bufferMB:
// frames aligned to TPACKET_ALIGNMENT, blocks a multiple of both the page and
// the frame size, capped at 4 MiB.
func ringSize(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const (
		tpacketAlignment = 16
		tpacketHdrLen    = 52
		maxBlockSize     = 4 << 20
	)

	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("buffer size must be positive, got %d MB", bufferMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = (tpacketHdrLen + snapLen + tpacketAlignment - 1) / tpacketAlignment * tpacketAlignment

	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		// Largest page-aligned block holding a whole number of frames.
		framesPerBlock := maxBlockSize / frameSize
		if framesPerBlock < 1 {
			framesPerBlock = 1
		}
		blockSize = (framesPerBlock*frameSize + pageSize - 1) / pageSize * pageSize
	}

	numBlocks = bufferMB << 20 / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

// pollTimeoutDefault is used when the configured timeout is not positive.
const pollTimeoutDefault = 100 * time.Millisecond
