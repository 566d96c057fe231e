package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/firewall"
	"github.com/dbreno/netwarden/internal/notify"
	"github.com/dbreno/netwarden/internal/rules"
	"github.com/dbreno/netwarden/internal/telemetry"
)

type recordingKernel struct {
	mu       sync.Mutex
	appended []firewall.Directive
	flushed  []string
	reject   bool
}

func (k *recordingKernel) Append(_ context.Context, d firewall.Directive) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reject {
		return errors.New("iptables: No chain/target/match by that name")
	}
	k.appended = append(k.appended, d)
	return nil
}

func (k *recordingKernel) Flush(_ context.Context, chain string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.flushed = append(k.flushed, chain)
	return nil
}

type fixture struct {
	svc    *Service
	store  *rules.Store
	kernel *recordingKernel
	agg    *telemetry.Aggregator
	notes  *notify.Notifier
}

func newFixture(t *testing.T, initial ...core.Rule) *fixture {
	t.Helper()
	store := rules.New(filepath.Join(t.TempDir(), "rules.json"))
	if len(initial) > 0 {
		require.NoError(t, store.Save(initial))
	}
	kernel := &recordingKernel{}
	agg := telemetry.NewAggregator()
	notes := notify.New(agg, notify.Config{})
	return &fixture{
		svc:    New(store, firewall.New(kernel, firewall.DefaultConfig()), agg, notes),
		store:  store,
		kernel: kernel,
		agg:    agg,
		notes:  notes,
	}
}

func TestSetActiveAppliesBlockRules(t *testing.T) {
	f := newFixture(t,
		core.Rule{Action: core.ActionBlock, Protocol: "tcp", DstPort: core.Port(80)},
		core.Rule{Action: core.ActionAllow, SrcIP: "10.0.0.1"},
	)
	ctx := context.Background()

	st, err := f.svc.SetActive(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 2, st.Directives)
	assert.Equal(t, 2, st.Rules)
	assert.Len(t, f.kernel.appended, 2)

	// Idempotent.
	st, err = f.svc.SetActive(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Directives)
	assert.Len(t, f.kernel.appended, 2)

	st, err = f.svc.SetActive(ctx, false)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, []string{"INPUT", "OUTPUT", "FORWARD"}, f.kernel.flushed)

	_, err = f.svc.SetActive(ctx, false)
	require.NoError(t, err)
	assert.Len(t, f.kernel.flushed, 3, "deactivate while inactive must not flush")
}

func TestSetActiveFailureKeepsInactive(t *testing.T) {
	f := newFixture(t, core.Rule{Action: core.ActionBlock, SrcIP: "203.0.113.1"})
	f.kernel.reject = true

	st, err := f.svc.SetActive(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrReconcile)
	var rerr *firewall.ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Diagnostic, "No chain")
	assert.False(t, st.Active)
	assert.False(t, f.svc.Status().Active)
}

func TestResetResidue(t *testing.T) {
	f := newFixture(t)
	st, err := f.svc.ResetResidue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Residual)
	assert.Equal(t, []string{"INPUT", "OUTPUT", "FORWARD"}, f.kernel.flushed)
}

func TestRuleMutations(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.AddRule(core.Rule{Action: core.ActionBlock, Protocol: "udp", DstPort: core.Port(53)}))
	require.NoError(t, f.svc.AddRule(core.Rule{Action: core.ActionBlock, DstIP: "198.51.100.7"}))
	require.NoError(t, f.svc.UpdateRule(0, core.Rule{Action: core.ActionBlock, Protocol: "tcp", DstPort: core.Port(25)}))

	list := f.svc.ListRules()
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].Index)
	assert.Equal(t, "tcp", list[0].Protocol)
	assert.Equal(t, 1, list[1].Index)

	require.NoError(t, f.svc.DeleteRule(0))
	list = f.svc.ListRules()
	require.Len(t, list, 1)
	assert.Equal(t, "198.51.100.7", list[0].DstIP)
}

func TestRuleMutationErrors(t *testing.T) {
	f := newFixture(t,
		core.Rule{Action: core.ActionBlock, SrcIP: "10.0.0.1"},
		core.Rule{Action: core.ActionBlock, SrcIP: "10.0.0.2"},
		core.Rule{Action: core.ActionBlock, SrcIP: "10.0.0.3"},
	)
	before, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteRule(5), core.ErrIndex)
	assert.ErrorIs(t, f.svc.UpdateRule(-1, core.Rule{Action: core.ActionBlock}), core.ErrIndex)
	assert.ErrorIs(t, f.svc.AddRule(core.Rule{Action: "drop"}), core.ErrValidation)

	after, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.svc.ListRules(), 3)
}

func TestReloadPicksUpFileEdits(t *testing.T) {
	f := newFixture(t, core.Rule{Action: core.ActionBlock, SrcIP: "10.0.0.1"})

	edited := `[{"action": "block", "protocol": "icmp"}, {"action": "allow", "dst_ip": "1.1.1.1"}]`
	require.NoError(t, os.WriteFile(f.store.Path(), []byte(edited), 0o600))

	list := f.svc.Reload()
	require.Len(t, list, 2)
	assert.Equal(t, "icmp", list[0].Protocol)

	require.NoError(t, os.WriteFile(f.store.Path(), []byte("{broken"), 0o600))
	assert.Len(t, f.svc.Reload(), 2, "a broken file keeps the last good rules")
}

func TestStatsAndQuery(t *testing.T) {
	f := newFixture(t)
	base := time.Unix(1700000000, 0)
	f.agg.Record(core.PacketRecord{Timestamp: base, SrcIP: "192.168.0.2", DstIP: "8.8.8.8", Protocol: 17, HasIP: true, Direction: core.DirectionSent, Verdict: core.VerdictAllowed})
	f.agg.Record(core.PacketRecord{Timestamp: base.Add(time.Second), SrcIP: "203.0.113.5", DstIP: "10.0.0.2", Protocol: 6, HasIP: true, Direction: core.DirectionReceived, Verdict: core.VerdictBlocked})

	st := f.svc.Stats(5, 10*time.Second)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Blocked)
	assert.Equal(t, telemetry.Counters{Sent: 1, Received: 1}, st.Counters)
	require.Len(t, st.Bins, 1)
	assert.Equal(t, 2, st.Bins[0].Count)

	assert.Empty(t, f.svc.Stats(5, 0).Bins)

	got, err := f.svc.Query(telemetry.Query{BlockedOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "203.0.113.5", got[0].SrcIP)

	_, err = f.svc.Query(telemetry.Query{Protocol: "sctp"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	f.agg.Record(core.PacketRecord{Timestamp: time.Unix(1700000000, 0), SrcIP: "203.0.113.5", DstIP: "10.0.0.2", HasIP: true, Verdict: core.VerdictBlocked})
	f.notes.Check(time.Unix(1700000001, 0))

	alerts := f.svc.Notifications(5)
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.KindBlocked, alerts[0].Kind)

	f.svc.ClearNotifications()
	assert.Empty(t, f.svc.Notifications(5))
}

func TestNotificationsWithoutNotifier(t *testing.T) {
	store := rules.New(filepath.Join(t.TempDir(), "rules.json"))
	svc := New(store, firewall.New(&recordingKernel{}, firewall.Config{}), telemetry.NewAggregator(), nil)
	assert.NotNil(t, svc.Notifications(5))
	assert.Empty(t, svc.Notifications(5))
	svc.ClearNotifications()
}
