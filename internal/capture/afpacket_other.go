//go:build !linux

package capture

import (
	"context"
	"errors"

	"github.com/dbreno/netwarden/internal/config"
	"github.com/dbreno/netwarden/internal/core"
)

var errAFPacketUnsupported = errors.New("afpacket capture is only available on linux")

// AFPacketSource is unavailable off linux.
type AFPacketSource struct{ counters }

func NewAFPacketSource(config.CaptureConfig) (*AFPacketSource, error) {
	return nil, errAFPacketUnsupported
}

func (s *AFPacketSource) Next(context.Context) (core.PacketRecord, error) {
	return core.PacketRecord{}, core.ErrSourceClosed
}

func (s *AFPacketSource) Close() error { return nil }
