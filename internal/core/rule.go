package core

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Action is what a rule asks for when it matches.
type Action string

const (
	ActionBlock Action = "block"
	ActionAllow Action = "allow"
)

// Rule is one conjunctive filter entry. Empty strings and nil ports mean the
// field is absent and matches anything. Rules are identified by their
// position in the list.
type Rule struct {
	Action   Action  `json:"action" yaml:"action" mapstructure:"action"`
	Protocol string  `json:"protocol,omitempty" yaml:"protocol,omitempty" mapstructure:"protocol"`
	SrcIP    string  `json:"src_ip,omitempty" yaml:"src_ip,omitempty" mapstructure:"src_ip"`
	DstIP    string  `json:"dst_ip,omitempty" yaml:"dst_ip,omitempty" mapstructure:"dst_ip"`
	SrcPort  *uint16 `json:"src_port,omitempty" yaml:"src_port,omitempty" mapstructure:"src_port"`
	DstPort  *uint16 `json:"dst_port,omitempty" yaml:"dst_port,omitempty" mapstructure:"dst_port"`
}

// IP protocol numbers understood in rules.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

var protocolNumbers = map[string]uint8{
	"tcp":  ProtoTCP,
	"udp":  ProtoUDP,
	"icmp": ProtoICMP,
}

// ProtocolNumber maps a protocol name (any case) to its IP protocol number.
func ProtocolNumber(name string) (uint8, bool) {
	n, ok := protocolNumbers[strings.ToLower(name)]
	return n, ok
}

// ProtocolName is the inverse of ProtocolNumber. Unknown numbers are rendered
// in decimal.
func ProtocolName(proto uint8) string {
	switch proto {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoICMP:
		return "ICMP"
	default:
		return strconv.Itoa(int(proto))
	}
}

// Port returns a pointer to p, for building rules in code.
func Port(p uint16) *uint16 {
	return &p
}

// ParsePort converts the textual form of a port, as found in user input.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("port %q: %w", s, ErrValidation)
	}
	return uint16(n), nil
}

// Validate checks field formats. Rules read back from disk are not validated;
// the classifier treats unusable fields as non-matching.
func (r Rule) Validate() error {
	switch r.Action {
	case ActionBlock, ActionAllow:
	default:
		return fmt.Errorf("action %q (must be block or allow): %w", r.Action, ErrValidation)
	}
	if r.Protocol != "" {
		if _, ok := ProtocolNumber(r.Protocol); !ok {
			return fmt.Errorf("protocol %q (must be tcp, udp or icmp): %w", r.Protocol, ErrValidation)
		}
	}
	if r.SrcIP != "" {
		if _, err := netip.ParseAddr(r.SrcIP); err != nil {
			return fmt.Errorf("src_ip %q: %w", r.SrcIP, ErrValidation)
		}
	}
	if r.DstIP != "" {
		if _, err := netip.ParseAddr(r.DstIP); err != nil {
			return fmt.Errorf("dst_ip %q: %w", r.DstIP, ErrValidation)
		}
	}
	return nil
}

// Canonical returns r with its addresses in the form packet records use
// (lowercase IPv6, IPv4-mapped addresses unmapped). Fields that do not parse
// are left as they are.
func (r Rule) Canonical() Rule {
	r.SrcIP = canonicalAddr(r.SrcIP)
	r.DstIP = canonicalAddr(r.DstIP)
	return r
}

func canonicalAddr(ip string) string {
	if ip == "" {
		return ip
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

// Equal reports whether both rules carry the same fields.
func (r Rule) Equal(o Rule) bool {
	return r.Action == o.Action &&
		r.Protocol == o.Protocol &&
		r.SrcIP == o.SrcIP &&
		r.DstIP == o.DstIP &&
		portEqual(r.SrcPort, o.SrcPort) &&
		portEqual(r.DstPort, o.DstPort)
}

func portEqual(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// String renders the rule compactly, e.g. "block tcp 10.0.0.1:any -> any:22".
func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(string(r.Action))
	if r.Protocol != "" {
		b.WriteString(" " + strings.ToLower(r.Protocol))
	}
	b.WriteString(" " + endpoint(r.SrcIP, r.SrcPort))
	b.WriteString(" -> ")
	b.WriteString(endpoint(r.DstIP, r.DstPort))
	return b.String()
}

func endpoint(ip string, port *uint16) string {
	if ip == "" {
		ip = "any"
	}
	p := "any"
	if port != nil {
		p = strconv.Itoa(int(*port))
	}
	return ip + ":" + p
}
