// Package firewall keeps kernel packet-filter state in step with the rule
// list.
package firewall

import (
	"strconv"
	"strings"

	"github.com/dbreno/netwarden/internal/core"
)

// Default chain names, as understood by iptables.
const (
	ChainInput   = "INPUT"
	ChainOutput  = "OUTPUT"
	ChainForward = "FORWARD"
)

// Directive is one imperative kernel filter entry: drop packets on Chain
// that match every present field.
type Directive struct {
	Chain    string  `json:"chain"`
	Protocol string  `json:"protocol,omitempty"`
	SrcIP    string  `json:"src_ip,omitempty"`
	DstIP    string  `json:"dst_ip,omitempty"`
	SrcPort  *uint16 `json:"src_port,omitempty"`
	DstPort  *uint16 `json:"dst_port,omitempty"`
}

// Match returns the match criteria and target in fixed order: protocol,
// source address, destination address, source port, destination port,
// then the DROP target. The chain is not included.
func (d Directive) Match() []string {
	args := make([]string, 0, 12)
	if d.Protocol != "" {
		args = append(args, "-p", strings.ToLower(d.Protocol))
	}
	if d.SrcIP != "" {
		args = append(args, "-s", d.SrcIP)
	}
	if d.DstIP != "" {
		args = append(args, "-d", d.DstIP)
	}
	if d.SrcPort != nil {
		args = append(args, "--sport", strconv.Itoa(int(*d.SrcPort)))
	}
	if d.DstPort != nil {
		args = append(args, "--dport", strconv.Itoa(int(*d.DstPort)))
	}
	return append(args, "-j", "DROP")
}

// String renders the directive the way iptables-save would print it.
func (d Directive) String() string {
	return "-A " + d.Chain + " " + strings.Join(d.Match(), " ")
}

// BuildDirectives translates the block rules of rules into one inbound and
// one outbound directive each, in rule order. Allow rules produce nothing.
func BuildDirectives(rules []core.Rule, inbound, outbound string) []Directive {
	var out []Directive
	for _, r := range rules {
		if r.Action != core.ActionBlock {
			continue
		}
		for _, chain := range []string{inbound, outbound} {
			out = append(out, Directive{
				Chain:    chain,
				Protocol: r.Protocol,
				SrcIP:    r.SrcIP,
				DstIP:    r.DstIP,
				SrcPort:  r.SrcPort,
				DstPort:  r.DstPort,
			})
		}
	}
	return out
}
