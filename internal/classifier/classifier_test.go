package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbreno/netwarden/internal/core"
)

func tcpPacket(src, dst string, sport, dport uint16) core.PacketRecord {
	return core.PacketRecord{
		SrcIP: src, DstIP: dst, Protocol: core.ProtoTCP, HasIP: true,
		SrcPort: sport, DstPort: dport, HasPorts: true,
		Direction: core.DirectionOf(src),
	}
}

func TestClassify_EmptyRulesAllow(t *testing.T) {
	v, r := Classify(tcpPacket("1.2.3.4", "5.6.7.8", 1000, 80), nil)
	assert.Equal(t, core.VerdictAllowed, v)
	assert.Nil(t, r)
}

func TestClassify_TrivialBlockMatchesEverything(t *testing.T) {
	rules := []core.Rule{{Action: core.ActionBlock}}
	packets := []core.PacketRecord{
		tcpPacket("1.2.3.4", "5.6.7.8", 1000, 80),
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: core.ProtoICMP, HasIP: true},
		{}, // no IP layer
	}
	for _, p := range packets {
		v, r := Classify(p, rules)
		assert.Equal(t, core.VerdictBlocked, v)
		require.NotNil(t, r)
		assert.True(t, r.Equal(rules[0]))
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	r1 := core.Rule{Action: core.ActionBlock, Protocol: "tcp"}
	r2 := core.Rule{Action: core.ActionBlock, DstPort: core.Port(80)}
	p := tcpPacket("1.1.1.1", "2.2.2.2", 4000, 80)

	_, got := Classify(p, []core.Rule{r1, r2})
	require.NotNil(t, got)
	assert.True(t, got.Equal(r1))

	_, got = Classify(p, []core.Rule{r2, r1})
	require.NotNil(t, got)
	assert.True(t, got.Equal(r2))
}

func TestClassify_AllowRulesNeverMatch(t *testing.T) {
	rules := []core.Rule{
		{Action: core.ActionAllow, SrcIP: "10.0.0.5"},
		{Action: core.ActionBlock, SrcIP: "10.0.0.5"},
	}
	v, r := Classify(tcpPacket("10.0.0.5", "8.8.8.8", 1, 2), rules)
	assert.Equal(t, core.VerdictBlocked, v)
	require.NotNil(t, r)
	assert.Equal(t, core.ActionBlock, r.Action)

	v, r = Classify(tcpPacket("10.0.0.5", "8.8.8.8", 1, 2), rules[:1])
	assert.Equal(t, core.VerdictAllowed, v)
	assert.Nil(t, r)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name   string
		rule   core.Rule
		packet core.PacketRecord
		want   bool
	}{
		{
			name:   "blocked source",
			rule:   core.Rule{Action: core.ActionBlock, SrcIP: "10.0.0.5"},
			packet: tcpPacket("10.0.0.5", "8.8.8.8", 5555, 443),
			want:   true,
		},
		{
			name:   "inbound web traffic",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "tcp", DstPort: core.Port(80)},
			packet: tcpPacket("203.0.113.5", "10.0.0.2", 51000, 80),
			want:   true,
		},
		{
			name:   "same ports over udp",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "tcp", DstPort: core.Port(80)},
			packet: core.PacketRecord{SrcIP: "203.0.113.5", DstIP: "10.0.0.2", Protocol: core.ProtoUDP, HasIP: true, SrcPort: 51000, DstPort: 80, HasPorts: true},
			want:   false,
		},
		{
			name:   "protocol and port",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "tcp", DstPort: core.Port(22)},
			packet: tcpPacket("1.1.1.1", "2.2.2.2", 9, 22),
			want:   true,
		},
		{
			name:   "protocol name is case-insensitive",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "TCP"},
			packet: tcpPacket("1.1.1.1", "2.2.2.2", 9, 22),
			want:   true,
		},
		{
			name:   "unknown protocol never matches",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "sctp"},
			packet: core.PacketRecord{SrcIP: "1.1.1.1", DstIP: "2.2.2.2", Protocol: 132, HasIP: true},
			want:   false,
		},
		{
			name:   "ip field without ip layer",
			rule:   core.Rule{Action: core.ActionBlock, DstIP: "2.2.2.2"},
			packet: core.PacketRecord{},
			want:   false,
		},
		{
			name:   "protocol field without ip layer",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "icmp"},
			packet: core.PacketRecord{},
			want:   false,
		},
		{
			name:   "port field on icmp packet",
			rule:   core.Rule{Action: core.ActionBlock, SrcPort: core.Port(0)},
			packet: core.PacketRecord{SrcIP: "1.1.1.1", DstIP: "2.2.2.2", Protocol: core.ProtoICMP, HasIP: true},
			want:   false,
		},
		{
			name:   "port zero matches port zero",
			rule:   core.Rule{Action: core.ActionBlock, SrcPort: core.Port(0)},
			packet: tcpPacket("1.1.1.1", "2.2.2.2", 0, 80),
			want:   true,
		},
		{
			name:   "every field present",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "tcp", SrcIP: "1.1.1.1", DstIP: "2.2.2.2", SrcPort: core.Port(9), DstPort: core.Port(22)},
			packet: tcpPacket("1.1.1.1", "2.2.2.2", 9, 22),
			want:   true,
		},
		{
			name:   "one field differs",
			rule:   core.Rule{Action: core.ActionBlock, Protocol: "tcp", SrcIP: "1.1.1.1", DstIP: "2.2.2.3"},
			packet: tcpPacket("1.1.1.1", "2.2.2.2", 9, 22),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.packet, tt.rule))
		})
	}
}

func TestClassify_NoIPLayerFallsThrough(t *testing.T) {
	rules := []core.Rule{{Action: core.ActionBlock, SrcIP: "10.0.0.5"}}
	v, r := Classify(core.PacketRecord{}, rules)
	assert.Equal(t, core.VerdictAllowed, v)
	assert.Nil(t, r)
}

func TestClassify_DoesNotMutateRules(t *testing.T) {
	rules := []core.Rule{{Action: core.ActionBlock, DstPort: core.Port(22)}}
	_, r := Classify(tcpPacket("1.1.1.1", "2.2.2.2", 9, 22), rules)
	require.NotNil(t, r)
	r.Action = core.ActionAllow
	assert.Equal(t, core.ActionBlock, rules[0].Action)
}

func TestClassify_CanonicalIPv6Rule(t *testing.T) {
	rule := core.Rule{Action: core.ActionBlock, DstIP: "2001:DB8::1"}.Canonical()
	v, r := Classify(tcpPacket("2001:db8::2", "2001:db8::1", 5000, 443), []core.Rule{rule})
	assert.Equal(t, core.VerdictBlocked, v)
	require.NotNil(t, r)
}
