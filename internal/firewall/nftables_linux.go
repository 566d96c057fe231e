//go:build linux

package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/dbreno/netwarden/internal/core"
)

// NFTables programs an inet-family table over netlink. The table holds one
// base chain per managed iptables-style chain name (INPUT -> input, ...).
type NFTables struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	table  *nftables.Table
	chains map[string]*nftables.Chain
}

var nftHooks = map[string]*nftables.ChainHook{
	ChainInput:   nftables.ChainHookInput,
	ChainOutput:  nftables.ChainHookOutput,
	ChainForward: nftables.ChainHookForward,
}

// NewNFTables creates (or reuses) table and its base chains.
func NewNFTables(table string) (*NFTables, error) {
	if table == "" {
		table = "netwarden"
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("nftables: open netlink connection: %w", err)
	}

	k := &NFTables{
		conn:   conn,
		table:  &nftables.Table{Family: nftables.TableFamilyINet, Name: table},
		chains: make(map[string]*nftables.Chain, len(nftHooks)),
	}
	k.conn.AddTable(k.table)

	policy := nftables.ChainPolicyAccept
	for name, hook := range nftHooks {
		k.chains[name] = k.conn.AddChain(&nftables.Chain{
			Name:     strings.ToLower(name),
			Table:    k.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  hook,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &policy,
		})
	}
	if err := k.conn.Flush(); err != nil {
		return nil, fmt.Errorf("nftables: create table %q: %w", table, err)
	}
	return k, nil
}

// Append adds a drop rule built from d to the end of its chain.
func (k *NFTables) Append(ctx context.Context, d Directive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exprs, err := ruleExprs(d)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	chain, err := k.chain(d.Chain)
	if err != nil {
		return err
	}
	k.conn.AddRule(&nftables.Rule{Table: k.table, Chain: chain, Exprs: exprs})
	if err := k.conn.Flush(); err != nil {
		return fmt.Errorf("nftables: add rule to %s: %w", chain.Name, err)
	}
	return nil
}

// Flush removes every rule from chain.
func (k *NFTables) Flush(ctx context.Context, chain string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	ch, err := k.chain(chain)
	if err != nil {
		return err
	}
	k.conn.FlushChain(ch)
	if err := k.conn.Flush(); err != nil {
		return fmt.Errorf("nftables: flush %s: %w", ch.Name, err)
	}
	return nil
}

func (k *NFTables) chain(name string) (*nftables.Chain, error) {
	ch, ok := k.chains[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("nftables: unmanaged chain %q", name)
	}
	return ch, nil
}

// ruleExprs compiles d into nftables expressions ending in a drop verdict.
func ruleExprs(d Directive) ([]expr.Any, error) {
	var exprs []expr.Any

	var src, dst netip.Addr
	var err error
	if d.SrcIP != "" {
		if src, err = netip.ParseAddr(d.SrcIP); err != nil {
			return nil, fmt.Errorf("nftables: source address %q: %w", d.SrcIP, err)
		}
	}
	if d.DstIP != "" {
		if dst, err = netip.ParseAddr(d.DstIP); err != nil {
			return nil, fmt.Errorf("nftables: destination address %q: %w", d.DstIP, err)
		}
	}
	if src.IsValid() || dst.IsValid() {
		family, err := addrFamily(src, dst)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{family}},
		)
	}

	var proto uint8
	if d.Protocol != "" {
		var ok bool
		if proto, ok = core.ProtocolNumber(d.Protocol); !ok {
			return nil, fmt.Errorf("nftables: unknown protocol %q", d.Protocol)
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		)
	}

	if src.IsValid() {
		exprs = append(exprs, addrMatch(src, true)...)
	}
	if dst.IsValid() {
		exprs = append(exprs, addrMatch(dst, false)...)
	}

	if d.SrcPort != nil || d.DstPort != nil {
		if proto != core.ProtoTCP && proto != core.ProtoUDP {
			return nil, fmt.Errorf("nftables: port match requires protocol tcp or udp")
		}
	}
	if d.SrcPort != nil {
		exprs = append(exprs, portMatch(*d.SrcPort, 0)...)
	}
	if d.DstPort != nil {
		exprs = append(exprs, portMatch(*d.DstPort, 2)...)
	}

	return append(exprs, &expr.Verdict{Kind: expr.VerdictDrop}), nil
}

func addrFamily(src, dst netip.Addr) (byte, error) {
	v4 := (src.IsValid() && src.Unmap().Is4()) || (dst.IsValid() && dst.Unmap().Is4())
	v6 := (src.IsValid() && !src.Unmap().Is4()) || (dst.IsValid() && !dst.Unmap().Is4())
	if v4 && v6 {
		return 0, fmt.Errorf("nftables: mixed IPv4 and IPv6 addresses in one rule")
	}
	if v6 {
		return unix.NFPROTO_IPV6, nil
	}
	return unix.NFPROTO_IPV4, nil
}

// addrMatch loads the source or destination address from the network header
// and compares it with addr.
func addrMatch(addr netip.Addr, source bool) []expr.Any {
	addr = addr.Unmap()
	var offset, length uint32
	switch {
	case addr.Is4() && source:
		offset, length = 12, 4
	case addr.Is4():
		offset, length = 16, 4
	case source:
		offset, length = 8, 16
	default:
		offset, length = 24, 16
	}
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr.AsSlice()},
	}
}

// portMatch compares the 16-bit transport header field at offset with port.
func portMatch(port uint16, offset uint32) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	}
}
