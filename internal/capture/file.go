package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/dbreno/netwarden/internal/core"
)

// packetReader is what pcapgo's pcap and pcapng readers have in common.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource replays a pcap or pcapng file.
type FileSource struct {
	counters

	path    string
	file    *os.File
	reader  packetReader
	decoder *Decoder
	filter  *userFilter

	closeOnce sync.Once
}

// NewFileSource opens path. An optional BPF filter is evaluated in user
// space.
func NewFileSource(path, bpfFilter string, snapLen int) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("capture.file is required for file capture: %w", core.ErrConfigInvalid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file %s: %w", path, err)
	}

	reader, err := openReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap file %s: %w", path, err)
	}

	s := &FileSource{
		path:    path,
		file:    f,
		reader:  reader,
		decoder: NewDecoder(FirstLayer(reader.LinkType())),
	}
	if bpfFilter != "" {
		if snapLen <= 0 {
			snapLen = 65535
		}
		if s.filter, err = newUserFilter(bpfFilter, reader.LinkType(), snapLen); err != nil {
			f.Close()
			return nil, err
		}
	}

	slog.Info("pcap file opened", "path", path, "link_type", reader.LinkType().String())
	return s, nil
}

// openReader tries the classic pcap format first, then pcapng.
func openReader(f *os.File) (packetReader, error) {
	r, err := pcapgo.NewReader(bufio.NewReader(f))
	if err == nil {
		return r, nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	ng, ngErr := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("not pcap (%v) nor pcapng (%w)", err, ngErr)
	}
	return ng, nil
}

// Next returns the next decodable packet, or io.EOF at end of file.
func (s *FileSource) Next(ctx context.Context) (core.PacketRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return core.PacketRecord{}, err
		}

		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return core.PacketRecord{}, io.EOF
			}
			return core.PacketRecord{}, fmt.Errorf("read packet from %s: %w", s.path, err)
		}

		if s.filter != nil && !s.filter.accept(data) {
			s.filtered.Add(1)
			continue
		}

		rec, err := s.decoder.Decode(data, ci)
		if err != nil {
			s.decodeErrors.Add(1)
			slog.Debug("skipping undecodable frame", "path", s.path, "error", err)
			continue
		}
		s.packets.Add(1)
		return rec, nil
	}
}

// Close releases the file.
func (s *FileSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.file.Close()
	})
	return err
}
