// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dbreno/netwarden/internal/control"
	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/firewall"
	"github.com/dbreno/netwarden/internal/metrics"
	"github.com/dbreno/netwarden/internal/telemetry"
)

// Version is reported by daemon_status.
var Version = "0.1.0"

// CommandHandler handles control plane commands.
type CommandHandler struct {
	svc            *control.Service
	configReloader ConfigReloader
	shutdownFunc   func()     // Called by daemon_shutdown to trigger graceful stop
	captureStats   func() any // Optional, reported by daemon_status
	startTime      time.Time
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(svc *control.Service, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		svc:            svc,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetCaptureStats sets the callback whose result daemon_status reports
// under "capture".
func (h *CommandHandler) SetCaptureStats(fn func() any) {
	h.captureStats = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "rules_add", "firewall_set_active"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeValidation  = -32001 // Rule or query failed validation
	ErrCodeIndex       = -32002 // Rule index out of range
	ErrCodePersistence = -32003 // Rule file could not be written
	ErrCodeReconcile   = -32004 // Kernel rejected a directive or flush
)

// Method names.
const (
	MethodFirewallStatus    = "firewall_status"
	MethodFirewallSetActive = "firewall_set_active"
	MethodFirewallReset     = "firewall_reset"
	MethodRulesList         = "rules_list"
	MethodRulesAdd          = "rules_add"
	MethodRulesUpdate       = "rules_update"
	MethodRulesDelete       = "rules_delete"
	MethodRulesReload       = "rules_reload"
	MethodTelemetryStats    = "telemetry_stats"
	MethodTelemetryQuery    = "telemetry_query"
	MethodNotificationsList = "notifications_list"
	MethodConfigReload      = "config_reload"
	MethodDaemonStatus      = "daemon_status"
	MethodDaemonShutdown    = "daemon_shutdown"
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	resp := h.dispatch(ctx, cmd)

	method, code := cmd.Method, "0"
	if resp.Error != nil {
		code = strconv.Itoa(resp.Error.Code)
		slog.Info("command failed", "method", cmd.Method, "id", cmd.ID, "code", resp.Error.Code, "error", resp.Error.Message)
		if resp.Error.Code == ErrCodeMethodNotFound {
			method = "unknown" // bounded label set
		}
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, code).Inc()
	return resp
}

func (h *CommandHandler) dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Method {
	case MethodFirewallStatus:
		return result(cmd, h.svc.Status())
	case MethodFirewallSetActive:
		return h.handleSetActive(ctx, cmd)
	case MethodFirewallReset:
		st, err := h.svc.ResetResidue(ctx)
		if err != nil {
			return failure(cmd, err)
		}
		return result(cmd, st)
	case MethodRulesList:
		return result(cmd, map[string]interface{}{"rules": h.svc.ListRules()})
	case MethodRulesAdd:
		return h.handleRulesAdd(cmd)
	case MethodRulesUpdate:
		return h.handleRulesUpdate(cmd)
	case MethodRulesDelete:
		return h.handleRulesDelete(cmd)
	case MethodRulesReload:
		return result(cmd, map[string]interface{}{"rules": h.svc.Reload()})
	case MethodTelemetryStats:
		return h.handleTelemetryStats(cmd)
	case MethodTelemetryQuery:
		return h.handleTelemetryQuery(cmd)
	case MethodNotificationsList:
		return h.handleNotifications(cmd)
	case MethodConfigReload:
		return h.handleConfigReload(cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	default:
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", cmd.Method),
			},
		}
	}
}

// SetActiveParams represents parameters for firewall_set_active.
type SetActiveParams struct {
	Active bool `json:"active"`
}

func (h *CommandHandler) handleSetActive(ctx context.Context, cmd Command) Response {
	var params SetActiveParams
	if resp, ok := decodeParams(cmd, &params, true); !ok {
		return resp
	}
	st, err := h.svc.SetActive(ctx, params.Active)
	if err != nil {
		return failure(cmd, err)
	}
	return result(cmd, st)
}

// RuleParams represents parameters for rules_add and rules_update. Index is
// ignored by rules_add.
type RuleParams struct {
	Index int       `json:"index"`
	Rule  core.Rule `json:"rule"`
}

// RuleIndexParams represents parameters for rules_delete.
type RuleIndexParams struct {
	Index int `json:"index"`
}

// ruleWire is a rule as sent by clients. Ports are kept raw so that a
// malformed port is reported as a validation failure, not a decode failure.
type ruleWire struct {
	Action   core.Action     `json:"action"`
	Protocol string          `json:"protocol"`
	SrcIP    string          `json:"src_ip"`
	DstIP    string          `json:"dst_ip"`
	SrcPort  json.RawMessage `json:"src_port"`
	DstPort  json.RawMessage `json:"dst_port"`
}

type ruleParamsWire struct {
	Index int      `json:"index"`
	Rule  ruleWire `json:"rule"`
}

func (w ruleWire) rule() (core.Rule, error) {
	r := core.Rule{Action: w.Action, Protocol: w.Protocol, SrcIP: w.SrcIP, DstIP: w.DstIP}
	var err error
	if r.SrcPort, err = wirePort("src_port", w.SrcPort); err != nil {
		return core.Rule{}, err
	}
	if r.DstPort, err = wirePort("dst_port", w.DstPort); err != nil {
		return core.Rule{}, err
	}
	return r, nil
}

// wirePort accepts a JSON integer in 0..65535. Absent and null mean no port.
func wirePort(field string, raw json.RawMessage) (*uint16, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		return nil, fmt.Errorf("%s %s (must be a number): %w", field, raw, core.ErrValidation)
	}
	p, err := core.ParsePort(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &p, nil
}

func decodeRuleParams(cmd Command) (RuleParams, Response, bool) {
	var wire ruleParamsWire
	if resp, ok := decodeParams(cmd, &wire, true); !ok {
		return RuleParams{}, resp, false
	}
	rule, err := wire.Rule.rule()
	if err != nil {
		return RuleParams{}, failure(cmd, err), false
	}
	return RuleParams{Index: wire.Index, Rule: rule}, Response{}, true
}

func (h *CommandHandler) handleRulesAdd(cmd Command) Response {
	params, resp, ok := decodeRuleParams(cmd)
	if !ok {
		return resp
	}
	if err := h.svc.AddRule(params.Rule); err != nil {
		return failure(cmd, err)
	}
	rules := h.svc.ListRules()
	return result(cmd, map[string]interface{}{"index": len(rules) - 1, "rules": rules})
}

func (h *CommandHandler) handleRulesUpdate(cmd Command) Response {
	params, resp, ok := decodeRuleParams(cmd)
	if !ok {
		return resp
	}
	if err := h.svc.UpdateRule(params.Index, params.Rule); err != nil {
		return failure(cmd, err)
	}
	return result(cmd, map[string]interface{}{"index": params.Index, "rules": h.svc.ListRules()})
}

func (h *CommandHandler) handleRulesDelete(cmd Command) Response {
	var params RuleIndexParams
	if resp, ok := decodeParams(cmd, &params, true); !ok {
		return resp
	}
	if err := h.svc.DeleteRule(params.Index); err != nil {
		return failure(cmd, err)
	}
	return result(cmd, map[string]interface{}{"index": params.Index, "rules": h.svc.ListRules()})
}

// StatsParams represents parameters for telemetry_stats.
type StatsParams struct {
	TopN       int `json:"top_n,omitempty"`
	BinSeconds int `json:"bin_seconds,omitempty"`
}

func (h *CommandHandler) handleTelemetryStats(cmd Command) Response {
	params := StatsParams{TopN: 5}
	if resp, ok := decodeParams(cmd, &params, false); !ok {
		return resp
	}
	if params.TopN < 0 || params.BinSeconds < 0 {
		return failure(cmd, fmt.Errorf("top_n and bin_seconds must not be negative: %w", core.ErrValidation))
	}
	return result(cmd, h.svc.Stats(params.TopN, time.Duration(params.BinSeconds)*time.Second))
}

func (h *CommandHandler) handleTelemetryQuery(cmd Command) Response {
	var q telemetry.Query
	if resp, ok := decodeParams(cmd, &q, false); !ok {
		return resp
	}
	records, err := h.svc.Query(q)
	if err != nil {
		return failure(cmd, err)
	}
	if records == nil {
		records = []core.PacketRecord{}
	}
	return result(cmd, map[string]interface{}{"records": records, "count": len(records)})
}

// NotificationsParams represents parameters for notifications_list.
type NotificationsParams struct {
	Limit int  `json:"limit,omitempty"`
	Clear bool `json:"clear,omitempty"`
}

func (h *CommandHandler) handleNotifications(cmd Command) Response {
	params := NotificationsParams{Limit: 5}
	if resp, ok := decodeParams(cmd, &params, false); !ok {
		return resp
	}
	alerts := h.svc.Notifications(params.Limit)
	if params.Clear {
		h.svc.ClearNotifications()
	}
	return result(cmd, map[string]interface{}{"alerts": alerts})
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if h.configReloader == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "config reloader not available",
			},
		}
	}

	if err := h.configReloader.Reload(); err != nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: fmt.Sprintf("reload config failed: %v", err),
			},
		}
	}

	return result(cmd, map[string]interface{}{"status": "reloaded"})
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "shutdown handler not registered",
			},
		}
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return result(cmd, map[string]interface{}{"status": "shutting_down"})
}

// DaemonStatus is the daemon_status result.
type DaemonStatus struct {
	Version   string         `json:"version"`
	UptimeSec int64          `json:"uptime_sec"`
	Firewall  control.Status `json:"firewall"`
	Capture   interface{}    `json:"capture,omitempty"`
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	st := DaemonStatus{
		Version:   Version,
		UptimeSec: int64(time.Since(h.startTime) / time.Second),
		Firewall:  h.svc.Status(),
	}
	if h.captureStats != nil {
		st.Capture = h.captureStats()
	}
	return result(cmd, st)
}

// decodeParams unmarshals cmd.Params into v. Absent params are an error only
// when required.
func decodeParams(cmd Command, v interface{}, required bool) (Response, bool) {
	if len(cmd.Params) == 0 || string(cmd.Params) == "null" {
		if !required {
			return Response{}, true
		}
		return Response{
			ID:    cmd.ID,
			Error: &ErrorInfo{Code: ErrCodeInvalidParams, Message: "params required"},
		}, false
	}
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInvalidParams,
				Message: fmt.Sprintf("invalid params: %v", err),
			},
		}, false
	}
	return Response{}, true
}

func result(cmd Command, v interface{}) Response {
	return Response{ID: cmd.ID, Result: v}
}

// failure maps domain errors onto application error codes.
func failure(cmd Command, err error) Response {
	info := &ErrorInfo{Code: ErrCodeInternalError, Message: err.Error()}

	var rerr *firewall.ReconcileError
	switch {
	case errors.As(err, &rerr):
		info.Code = ErrCodeReconcile
		info.Data = rerr
	case errors.Is(err, core.ErrValidation):
		info.Code = ErrCodeValidation
	case errors.Is(err, core.ErrIndex):
		info.Code = ErrCodeIndex
	case errors.Is(err, core.ErrPersistence):
		info.Code = ErrCodePersistence
	case errors.Is(err, core.ErrReconcile):
		info.Code = ErrCodeReconcile
	}
	return Response{ID: cmd.ID, Error: info}
}
