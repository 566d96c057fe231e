// Package capture turns captured frames into core.PacketRecord values.
package capture

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dbreno/netwarden/internal/core"
)

// Decoder extracts the IP and transport fields of a frame. It reuses its
// layer buffers and must not be shared between goroutines.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload
}

// NewDecoder returns a decoder for frames that start with first, typically
// layers.LayerTypeEthernet.
func NewDecoder(first gopacket.LayerType) *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 8)}
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.sll, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.icmp4, &d.icmp6, &d.payload)
	// Anything past the layers above (ARP, SCTP, ...) just ends decoding.
	d.parser.IgnoreUnsupported = true
	return d
}

// FirstLayer maps a capture link type to the layer decoding starts at.
func FirstLayer(lt layers.LinkType) gopacket.LayerType {
	switch lt {
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6
	default:
		return layers.LayerTypeEthernet
	}
}

// Decode parses data. A frame without an IP layer is not an error: the
// record comes back with HasIP unset. The returned record holds no
// reference to data.
func (d *Decoder) Decode(data []byte, ci gopacket.CaptureInfo) (core.PacketRecord, error) {
	rec := core.PacketRecord{Timestamp: ci.Timestamp}

	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return rec, fmt.Errorf("decode frame: %w", err)
	}

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			rec.SrcIP = addrString(d.ip4.SrcIP)
			rec.DstIP = addrString(d.ip4.DstIP)
			rec.Protocol = uint8(d.ip4.Protocol)
			rec.HasIP = true
		case layers.LayerTypeIPv6:
			rec.SrcIP = addrString(d.ip6.SrcIP)
			rec.DstIP = addrString(d.ip6.DstIP)
			rec.Protocol = uint8(d.ip6.NextHeader)
			rec.HasIP = true
		case layers.LayerTypeTCP:
			rec.SrcPort = uint16(d.tcp.SrcPort)
			rec.DstPort = uint16(d.tcp.DstPort)
			rec.HasPorts = true
		case layers.LayerTypeUDP:
			rec.SrcPort = uint16(d.udp.SrcPort)
			rec.DstPort = uint16(d.udp.DstPort)
			rec.HasPorts = true
		}
	}

	rec.Direction = core.DirectionOf(rec.SrcIP)
	return rec, nil
}

func addrString(ip []byte) string {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return ""
	}
	return addr.Unmap().String()
}
