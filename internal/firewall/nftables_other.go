//go:build !linux

package firewall

import (
	"context"
	"errors"
)

var errNFTablesUnsupported = errors.New("nftables: only available on linux")

// NFTables is unavailable outside linux.
type NFTables struct{}

// NewNFTables always fails outside linux.
func NewNFTables(string) (*NFTables, error) {
	return nil, errNFTablesUnsupported
}

func (*NFTables) Append(context.Context, Directive) error { return errNFTablesUnsupported }
func (*NFTables) Flush(context.Context, string) error     { return errNFTablesUnsupported }
