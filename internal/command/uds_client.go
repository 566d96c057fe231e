package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/dbreno/netwarden/internal/control"
	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/notify"
	"github.com/dbreno/netwarden/internal/telemetry"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response. A JSON-RPC error is returned
// in Response.Error, not as err.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, errors.New("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// DecodeResult converts a generic JSON result into out, which must be a
// pointer. Embedded structs are flattened the way encoding/json writes them.
func DecodeResult(result interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Squash:           true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// call performs method and decodes its result into out. out may be nil.
func (c *UDSClient) call(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return DecodeResult(resp.Result, out)
}

// FirewallStatus reports whether kernel filtering is active.
func (c *UDSClient) FirewallStatus(ctx context.Context) (control.Status, error) {
	var st control.Status
	err := c.call(ctx, MethodFirewallStatus, nil, &st)
	return st, err
}

// SetActive turns kernel filtering on or off.
func (c *UDSClient) SetActive(ctx context.Context, active bool) (control.Status, error) {
	var st control.Status
	err := c.call(ctx, MethodFirewallSetActive, SetActiveParams{Active: active}, &st)
	return st, err
}

// ResetFirewall clears residue left by a failed activation.
func (c *UDSClient) ResetFirewall(ctx context.Context) (control.Status, error) {
	var st control.Status
	err := c.call(ctx, MethodFirewallReset, nil, &st)
	return st, err
}

type rulesResult struct {
	Index int                   `json:"index"`
	Rules []control.IndexedRule `json:"rules"`
}

// ListRules returns the current rule list.
func (c *UDSClient) ListRules(ctx context.Context) ([]control.IndexedRule, error) {
	var res rulesResult
	err := c.call(ctx, MethodRulesList, nil, &res)
	return res.Rules, err
}

// AddRule appends rule and returns its index.
func (c *UDSClient) AddRule(ctx context.Context, rule core.Rule) (int, error) {
	var res rulesResult
	err := c.call(ctx, MethodRulesAdd, RuleParams{Rule: rule}, &res)
	return res.Index, err
}

// UpdateRule replaces the rule at index.
func (c *UDSClient) UpdateRule(ctx context.Context, index int, rule core.Rule) error {
	return c.call(ctx, MethodRulesUpdate, RuleParams{Index: index, Rule: rule}, nil)
}

// DeleteRule removes the rule at index.
func (c *UDSClient) DeleteRule(ctx context.Context, index int) error {
	return c.call(ctx, MethodRulesDelete, RuleIndexParams{Index: index}, nil)
}

// ReloadRules rereads the rule file.
func (c *UDSClient) ReloadRules(ctx context.Context) ([]control.IndexedRule, error) {
	var res rulesResult
	err := c.call(ctx, MethodRulesReload, nil, &res)
	return res.Rules, err
}

// Stats returns the telemetry summary.
func (c *UDSClient) Stats(ctx context.Context, params StatsParams) (control.Stats, error) {
	var st control.Stats
	err := c.call(ctx, MethodTelemetryStats, params, &st)
	return st, err
}

// QueryLog returns the log entries matching q.
func (c *UDSClient) QueryLog(ctx context.Context, q telemetry.Query) ([]core.PacketRecord, error) {
	var res struct {
		Records []core.PacketRecord `json:"records"`
	}
	err := c.call(ctx, MethodTelemetryQuery, q, &res)
	return res.Records, err
}

// Notifications returns recent alerts, newest first.
func (c *UDSClient) Notifications(ctx context.Context, params NotificationsParams) ([]notify.Alert, error) {
	var res struct {
		Alerts []notify.Alert `json:"alerts"`
	}
	err := c.call(ctx, MethodNotificationsList, params, &res)
	return res.Alerts, err
}

// ConfigReload asks the daemon to reread its configuration.
func (c *UDSClient) ConfigReload(ctx context.Context) error {
	return c.call(ctx, MethodConfigReload, nil, nil)
}

// DaemonStatus returns version, uptime and firewall state.
func (c *UDSClient) DaemonStatus(ctx context.Context) (DaemonStatus, error) {
	var st DaemonStatus
	err := c.call(ctx, MethodDaemonStatus, nil, &st)
	return st, err
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, MethodDaemonShutdown, nil, nil)
}

// Ping checks whether the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}
