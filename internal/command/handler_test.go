package command

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbreno/netwarden/internal/control"
	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/firewall"
	"github.com/dbreno/netwarden/internal/notify"
	"github.com/dbreno/netwarden/internal/rules"
	"github.com/dbreno/netwarden/internal/telemetry"
)

// mockConfigReloader is a mock implementation of ConfigReloader.
type mockConfigReloader struct {
	reloadFunc func() error
	calls      int
}

func (m *mockConfigReloader) Reload() error {
	m.calls++
	if m.reloadFunc != nil {
		return m.reloadFunc()
	}
	return nil
}

type fakeKernel struct {
	mu       sync.Mutex
	appended []firewall.Directive
	reject   bool
}

func (k *fakeKernel) Append(_ context.Context, d firewall.Directive) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reject {
		return errors.New("iptables: Bad rule (does a matching rule exist in that chain?)")
	}
	k.appended = append(k.appended, d)
	return nil
}

func (k *fakeKernel) Flush(context.Context, string) error { return nil }

type handlerFixture struct {
	handler *CommandHandler
	kernel  *fakeKernel
	agg     *telemetry.Aggregator
	path    string
}

func newHandlerFixture(t *testing.T, initial ...core.Rule) *handlerFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	store := rules.New(path)
	if len(initial) > 0 {
		require.NoError(t, store.Save(initial))
	}
	kernel := &fakeKernel{}
	agg := telemetry.NewAggregator()
	svc := control.New(store, firewall.New(kernel, firewall.DefaultConfig()), agg, notify.New(agg, notify.Config{}))
	return &handlerFixture{
		handler: NewCommandHandler(svc, nil),
		kernel:  kernel,
		agg:     agg,
		path:    path,
	}
}

func call(t *testing.T, h *CommandHandler, method string, params interface{}) Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	resp := h.Handle(context.Background(), Command{Method: method, Params: raw, ID: "req-1"})
	assert.Equal(t, "req-1", resp.ID)
	return resp
}

func TestCommandHandler_UnknownMethod(t *testing.T) {
	f := newHandlerFixture(t)

	resp := call(t, f.handler, "task_create", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestCommandHandler_FirewallLifecycle(t *testing.T) {
	f := newHandlerFixture(t, core.Rule{Action: core.ActionBlock, Protocol: "tcp", DstPort: core.Port(22)})

	resp := call(t, f.handler, MethodFirewallStatus, nil)
	require.Nil(t, resp.Error)
	assert.False(t, resp.Result.(control.Status).Active)

	resp = call(t, f.handler, MethodFirewallSetActive, SetActiveParams{Active: true})
	require.Nil(t, resp.Error)
	st := resp.Result.(control.Status)
	assert.True(t, st.Active)
	assert.Equal(t, 1, st.Rules)
	assert.Len(t, f.kernel.appended, st.Directives)

	resp = call(t, f.handler, MethodFirewallSetActive, SetActiveParams{Active: false})
	require.Nil(t, resp.Error)
	assert.False(t, resp.Result.(control.Status).Active)
}

func TestCommandHandler_SetActiveRequiresParams(t *testing.T) {
	f := newHandlerFixture(t)

	resp := call(t, f.handler, MethodFirewallSetActive, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)

	resp = f.handler.Handle(context.Background(), Command{
		Method: MethodFirewallSetActive,
		Params: json.RawMessage(`{"active":"yes"}`),
		ID:     "req-2",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestCommandHandler_ReconcileErrorCode(t *testing.T) {
	f := newHandlerFixture(t, core.Rule{Action: core.ActionBlock, SrcIP: "203.0.113.9"})
	f.kernel.reject = true

	resp := call(t, f.handler, MethodFirewallSetActive, SetActiveParams{Active: true})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeReconcile, resp.Error.Code)

	rerr, ok := resp.Error.Data.(*firewall.ReconcileError)
	require.True(t, ok, "data is %T", resp.Error.Data)
	assert.Equal(t, "append", rerr.Op)
	assert.Contains(t, rerr.Diagnostic, "Bad rule")
}

func TestCommandHandler_RuleMutations(t *testing.T) {
	f := newHandlerFixture(t)

	resp := call(t, f.handler, MethodRulesAdd, RuleParams{Rule: core.Rule{Action: core.ActionBlock, Protocol: "udp", DstPort: core.Port(53)}})
	require.Nil(t, resp.Error)
	assert.Equal(t, 0, resp.Result.(map[string]interface{})["index"])

	resp = call(t, f.handler, MethodRulesAdd, RuleParams{Rule: core.Rule{Action: core.ActionAllow, SrcIP: "10.0.0.7"}})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, resp.Result.(map[string]interface{})["index"])

	resp = call(t, f.handler, MethodRulesUpdate, RuleParams{Index: 1, Rule: core.Rule{Action: core.ActionBlock, SrcIP: "10.0.0.7"}})
	require.Nil(t, resp.Error)

	resp = call(t, f.handler, MethodRulesList, nil)
	require.Nil(t, resp.Error)
	listed := resp.Result.(map[string]interface{})["rules"].([]control.IndexedRule)
	require.Len(t, listed, 2)
	assert.Equal(t, core.ActionBlock, listed[1].Action)

	resp = call(t, f.handler, MethodRulesDelete, RuleIndexParams{Index: 0})
	require.Nil(t, resp.Error)
	remaining := resp.Result.(map[string]interface{})["rules"].([]control.IndexedRule)
	require.Len(t, remaining, 1)
	assert.Equal(t, "10.0.0.7", remaining[0].SrcIP)
}

func TestCommandHandler_RuleErrorCodes(t *testing.T) {
	f := newHandlerFixture(t, core.Rule{Action: core.ActionBlock, Protocol: "icmp"})
	before, err := os.ReadFile(f.path)
	require.NoError(t, err)

	resp := call(t, f.handler, MethodRulesDelete, RuleIndexParams{Index: 5})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeIndex, resp.Error.Code)

	resp = call(t, f.handler, MethodRulesAdd, RuleParams{Rule: core.Rule{Action: "drop"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)

	for _, port := range []interface{}{"80", 70000, -1, 1.5, true} {
		rule := map[string]interface{}{"action": "block", "dst_port": port}
		resp = call(t, f.handler, MethodRulesAdd, map[string]interface{}{"rule": rule})
		require.NotNil(t, resp.Error, "dst_port %v", port)
		assert.Equal(t, ErrCodeValidation, resp.Error.Code, "dst_port %v: %s", port, resp.Error.Message)

		resp = call(t, f.handler, MethodRulesUpdate, map[string]interface{}{"index": 0, "rule": rule})
		require.NotNil(t, resp.Error, "dst_port %v", port)
		assert.Equal(t, ErrCodeValidation, resp.Error.Code, "dst_port %v: %s", port, resp.Error.Message)
	}

	resp = call(t, f.handler, MethodRulesAdd, map[string]interface{}{"rule": "block everything"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)

	after, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestCommandHandler_RulesReload(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, os.WriteFile(f.path, []byte(`[{"action":"block","protocol":"tcp","dst_port":443}]`), 0o644))

	resp := call(t, f.handler, MethodRulesReload, nil)
	require.Nil(t, resp.Error)
	listed := resp.Result.(map[string]interface{})["rules"].([]control.IndexedRule)
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].DstPort)
	assert.Equal(t, uint16(443), *listed[0].DstPort)
}

func TestCommandHandler_Telemetry(t *testing.T) {
	f := newHandlerFixture(t)
	now := time.Now()
	f.agg.Record(core.PacketRecord{Timestamp: now, HasIP: true, SrcIP: "192.168.1.5", DstIP: "8.8.8.8", Protocol: 17, Verdict: core.VerdictAllowed, Direction: core.DirectionSent})
	f.agg.Record(core.PacketRecord{Timestamp: now, HasIP: true, SrcIP: "198.51.100.3", DstIP: "192.168.1.5", Protocol: 6, Verdict: core.VerdictBlocked, Direction: core.DirectionReceived})

	resp := call(t, f.handler, MethodTelemetryStats, nil)
	require.Nil(t, resp.Error)
	st := resp.Result.(control.Stats)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Blocked)
	assert.Empty(t, st.Bins)

	resp = call(t, f.handler, MethodTelemetryStats, StatsParams{BinSeconds: 60})
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, resp.Result.(control.Stats).Bins)

	resp = call(t, f.handler, MethodTelemetryStats, StatsParams{TopN: -1})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)

	resp = call(t, f.handler, MethodTelemetryQuery, telemetry.Query{BlockedOnly: true})
	require.Nil(t, resp.Error)
	res := resp.Result.(map[string]interface{})
	assert.Equal(t, 1, res["count"])
	assert.Equal(t, "198.51.100.3", res["records"].([]core.PacketRecord)[0].SrcIP)

	resp = call(t, f.handler, MethodTelemetryQuery, telemetry.Query{SrcIP: "10.0.0.1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, 0, resp.Result.(map[string]interface{})["count"])
	assert.NotNil(t, resp.Result.(map[string]interface{})["records"])
}

func TestCommandHandler_Notifications(t *testing.T) {
	f := newHandlerFixture(t)

	resp := call(t, f.handler, MethodNotificationsList, nil)
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result.(map[string]interface{})["alerts"])
}

func TestCommandHandler_ConfigReload(t *testing.T) {
	f := newHandlerFixture(t)

	resp := call(t, f.handler, MethodConfigReload, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)

	reloader := &mockConfigReloader{}
	f.handler.configReloader = reloader
	resp = call(t, f.handler, MethodConfigReload, nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, reloader.calls)

	reloader.reloadFunc = func() error { return errors.New("bad yaml") }
	resp = call(t, f.handler, MethodConfigReload, nil)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "bad yaml")
}

func TestCommandHandler_DaemonStatusAndShutdown(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler.SetCaptureStats(func() any { return map[string]int{"packets": 3} })

	resp := call(t, f.handler, MethodDaemonStatus, nil)
	require.Nil(t, resp.Error)
	st := resp.Result.(DaemonStatus)
	assert.Equal(t, Version, st.Version)
	assert.Equal(t, map[string]int{"packets": 3}, st.Capture)

	resp = call(t, f.handler, MethodDaemonShutdown, nil)
	require.NotNil(t, resp.Error)

	done := make(chan struct{})
	f.handler.SetShutdownFunc(func() { close(done) })
	resp = call(t, f.handler, MethodDaemonShutdown, nil)
	require.Nil(t, resp.Error)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}
