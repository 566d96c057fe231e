//go:build linux

package firewall

import (
	"testing"

	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dbreno/netwarden/internal/core"
)

func TestRuleExprs_FullIPv4(t *testing.T) {
	exprs, err := ruleExprs(Directive{
		Chain:    ChainInput,
		Protocol: "tcp",
		SrcIP:    "10.0.0.1",
		DstIP:    "192.0.2.9",
		SrcPort:  core.Port(1024),
		DstPort:  core.Port(22),
	})
	require.NoError(t, err)

	want := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{6}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{10, 0, 0, 1}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{192, 0, 2, 9}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 0, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{0x04, 0x00}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{0x00, 22}},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
	assert.Equal(t, want, exprs)
}

func TestRuleExprs_DropAll(t *testing.T) {
	exprs, err := ruleExprs(Directive{Chain: ChainOutput})
	require.NoError(t, err)
	assert.Equal(t, []expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}}, exprs)
}

func TestRuleExprs_IPv6Source(t *testing.T) {
	exprs, err := ruleExprs(Directive{Chain: ChainInput, SrcIP: "2001:db8::1"})
	require.NoError(t, err)
	require.Len(t, exprs, 5)
	assert.Equal(t, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV6}}, exprs[1])
	assert.Equal(t, &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 8, Len: 16}, exprs[2])
}

func TestRuleExprs_Rejections(t *testing.T) {
	bad := []Directive{
		{Chain: ChainInput, DstPort: core.Port(80)},
		{Chain: ChainInput, Protocol: "icmp", SrcPort: core.Port(1)},
		{Chain: ChainInput, Protocol: "gre"},
		{Chain: ChainInput, SrcIP: "10.0.0.1", DstIP: "2001:db8::1"},
		{Chain: ChainInput, SrcIP: "not-an-ip"},
	}
	for _, d := range bad {
		_, err := ruleExprs(d)
		assert.Error(t, err, "directive %s", d)
	}
}
