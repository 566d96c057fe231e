package firewall

import (
	"fmt"
)

// Backend names accepted by NewKernel.
const (
	BackendIPTables = "iptables"
	BackendNFTables = "nftables"
)

// NewKernel builds the kernel backend named by backend. binary is used by
// the iptables backend and table by the nftables backend.
func NewKernel(backend, binary, table string) (Kernel, error) {
	switch backend {
	case "", BackendIPTables:
		return NewIPTables(binary), nil
	case BackendNFTables:
		k, err := NewNFTables(table)
		if err != nil {
			return nil, err
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unknown firewall backend %q (must be iptables or nftables)", backend)
	}
}
