package firewall

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbreno/netwarden/internal/core"
)

// fakeIPTables writes a shell script that logs its arguments and fails when
// asked to touch the chain named BROKEN.
func fakeIPTables(t *testing.T) (binary, logPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	binary = filepath.Join(dir, "iptables")
	script := `#!/bin/sh
echo "$@" >> "` + logPath + `"
case "$2" in
BROKEN) echo "iptables: No chain/target/match by that name." >&2; exit 1 ;;
esac
exit 0
`
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, logPath
}

func TestIPTables_AppendAndFlush(t *testing.T) {
	bin, logPath := fakeIPTables(t)
	k := NewIPTables(bin)
	ctx := context.Background()

	require.NoError(t, k.Append(ctx, Directive{Chain: ChainInput, Protocol: "udp", DstPort: core.Port(53)}))
	require.NoError(t, k.Flush(ctx, ChainForward))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"-A INPUT -p udp --dport 53 -j DROP",
		"-F FORWARD",
	}, lines)
}

func TestIPTables_RejectionCarriesDiagnostic(t *testing.T) {
	bin, _ := fakeIPTables(t)
	k := NewIPTables(bin)

	err := k.Flush(context.Background(), "BROKEN")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No chain/target/match by that name")

	// Through the reconciler the diagnostic lands in ReconcileError.
	r := New(k, Config{InboundChain: "BROKEN", OutboundChain: ChainOutput})
	_, err = r.Activate(context.Background(), []core.Rule{{Action: core.ActionBlock}})
	var rerr *ReconcileError
	require.True(t, errors.As(err, &rerr))
	assert.Contains(t, rerr.Diagnostic, "No chain/target/match by that name")
}

func TestIPTables_MissingBinary(t *testing.T) {
	k := NewIPTables(filepath.Join(t.TempDir(), "does-not-exist"))
	err := k.Flush(context.Background(), ChainInput)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-F INPUT")
}

func TestNewKernel(t *testing.T) {
	k, err := NewKernel("", "", "")
	require.NoError(t, err)
	assert.IsType(t, &IPTables{}, k)

	_, err = NewKernel("pf", "", "")
	assert.Error(t, err)
}
