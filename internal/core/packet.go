package core

import (
	"net/netip"
	"time"
)

// Direction classifies a packet relative to the local private network.
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Verdict is the classifier's decision for one packet.
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictBlocked Verdict = "blocked"
)

// PacketRecord is the structured form of a captured packet plus the decision
// taken for it. SrcIP, DstIP and Protocol are meaningful only when HasIP is
// set; the ports only when HasPorts is set.
type PacketRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SrcIP     string    `json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	Protocol  uint8     `json:"protocol,omitempty"`
	HasIP     bool      `json:"has_ip"`
	SrcPort   uint16    `json:"src_port,omitempty"`
	DstPort   uint16    `json:"dst_port,omitempty"`
	HasPorts  bool      `json:"has_ports"`
	Direction Direction `json:"direction,omitempty"`
	Verdict   Verdict   `json:"action,omitempty"`
	Rule      *Rule     `json:"rule,omitempty"`
}

// privateRanges are the RFC 1918 blocks that count as "local".
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// IsPrivate reports whether ip falls inside one of the RFC 1918 ranges.
// Unparseable input is not private.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// DirectionOf derives the direction from a source address. An empty source
// means the packet had no IP layer.
func DirectionOf(srcIP string) Direction {
	if srcIP == "" {
		return DirectionNone
	}
	if IsPrivate(srcIP) {
		return DirectionSent
	}
	return DirectionReceived
}
