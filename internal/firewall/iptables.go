package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// IPTables drives the legacy iptables command line.
type IPTables struct {
	// Binary is the iptables executable. Defaults to "iptables" on PATH.
	Binary string
}

// NewIPTables returns an IPTables kernel using binary.
func NewIPTables(binary string) *IPTables {
	if binary == "" {
		binary = "iptables"
	}
	return &IPTables{Binary: binary}
}

// Append runs `iptables -A <chain> <match> -j DROP`.
func (k *IPTables) Append(ctx context.Context, d Directive) error {
	args := append([]string{"-A", d.Chain}, d.Match()...)
	return k.run(ctx, args)
}

// Flush runs `iptables -F <chain>`.
func (k *IPTables) Flush(ctx context.Context, chain string) error {
	return k.run(ctx, []string{"-F", chain})
}

func (k *IPTables) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, k.Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		diag := strings.TrimSpace(string(output))
		if diag == "" {
			return fmt.Errorf("%s %s: %w", k.Binary, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s: %w", diag, err)
	}
	return nil
}
