// Package classifier decides whether a packet is blocked by a rule list.
package classifier

import (
	"github.com/dbreno/netwarden/internal/core"
)

// Classify walks rules in order and returns the first block rule whose
// present fields all match p. Allow rules are never considered. With no
// match the packet is allowed and the returned rule is nil.
//
// Classify does not mutate its inputs and is safe for concurrent use.
func Classify(p core.PacketRecord, rules []core.Rule) (core.Verdict, *core.Rule) {
	for i := range rules {
		r := &rules[i]
		if r.Action != core.ActionBlock {
			continue
		}
		if Matches(p, *r) {
			matched := *r
			return core.VerdictBlocked, &matched
		}
	}
	return core.VerdictAllowed, nil
}

// Matches reports whether every present field of r matches p. A field that
// cannot be evaluated (no IP layer, no ports, unknown protocol name) does
// not match.
func Matches(p core.PacketRecord, r core.Rule) bool {
	if r.SrcIP != "" && (!p.HasIP || p.SrcIP != r.SrcIP) {
		return false
	}
	if r.DstIP != "" && (!p.HasIP || p.DstIP != r.DstIP) {
		return false
	}
	if r.Protocol != "" {
		want, ok := core.ProtocolNumber(r.Protocol)
		if !ok || !p.HasIP || p.Protocol != want {
			return false
		}
	}
	if r.SrcPort != nil && (!p.HasPorts || p.SrcPort != *r.SrcPort) {
		return false
	}
	if r.DstPort != nil && (!p.HasPorts || p.DstPort != *r.DstPort) {
		return false
	}
	return true
}
