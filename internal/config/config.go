// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/dbreno/netwarden/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `netwarden:` root key in YAML.
type GlobalConfig struct {
	Control  ControlConfig  `mapstructure:"control"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Firewall FirewallConfig `mapstructure:"firewall"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text / pattern
	Pattern string           `mapstructure:"pattern"`
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations. Stdout is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Rules ───

// RulesConfig locates the persisted rule list. A .yaml/.yml extension
// selects YAML, anything else JSON.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// ─── Capture ───

// CaptureConfig describes the packet source.
type CaptureConfig struct {
	Enabled      bool                   `mapstructure:"enabled"`
	Type         string                 `mapstructure:"type"` // afpacket | file
	Interface    string                 `mapstructure:"interface"`
	File         string                 `mapstructure:"file"`
	BPFFilter    string                 `mapstructure:"bpf_filter"`
	SnapLen      int                    `mapstructure:"snap_len"`
	BlockSize    int                    `mapstructure:"block_size"`
	NumBlocks    int                    `mapstructure:"num_blocks"`
	BufferSizeMB int                    `mapstructure:"buffer_size"`
	Options      map[string]interface{} `mapstructure:"options"`

	// AFPacket is decoded from Options.
	AFPacket AFPacketOptions `mapstructure:"-"`
}

// AFPacketOptions are the backend-specific knobs carried in capture.options.
type AFPacketOptions struct {
	FanoutID    int           `mapstructure:"fanout_id"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// DecodeOptions decodes capture.options into out.
func (c *CaptureConfig) DecodeOptions(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(c.Options)
}

// ─── Firewall ───

// FirewallConfig configures kernel enforcement.
type FirewallConfig struct {
	Backend           string   `mapstructure:"backend"` // iptables | nftables
	Binary            string   `mapstructure:"binary"`
	Table             string   `mapstructure:"table"`
	InboundChain      string   `mapstructure:"inbound_chain"`
	OutboundChain     string   `mapstructure:"outbound_chain"`
	FlushChains       []string `mapstructure:"flush_chains"`
	RollbackOnFailure bool     `mapstructure:"rollback_on_failure"`
	ActivateOnStart   bool     `mapstructure:"activate_on_start"`
}

// ─── Notify ───

// NotifyConfig configures the blocked-traffic alerter.
type NotifyConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	SpikeThreshold  int           `mapstructure:"spike_threshold"`
	SpikeWindow     time.Duration `mapstructure:"spike_window"`
	MaxAlerts       int           `mapstructure:"max_alerts"`
	AlertsPerSecond float64       `mapstructure:"alerts_per_second"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `netwarden: ...`.
type configRoot struct {
	Netwarden GlobalConfig `mapstructure:"netwarden"`
}

// Load loads configuration from file. An empty path loads defaults only.
// Env vars override file values (e.g. NETWARDEN_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `netwarden.` key prefix maps to NETWARDEN_ through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netwarden

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file.
func Default() *GlobalConfig {
	cfg, err := Load("")
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use the "netwarden." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("netwarden.control.socket", "/var/run/netwarden.sock")
	v.SetDefault("netwarden.control.pid_file", "/var/run/netwarden.pid")

	v.SetDefault("netwarden.log.level", "info")
	v.SetDefault("netwarden.log.format", "text")
	v.SetDefault("netwarden.log.pattern", "%time %level %msg %field\n")
	v.SetDefault("netwarden.log.outputs.file.enabled", false)
	v.SetDefault("netwarden.log.outputs.file.path", "/var/log/netwarden/netwarden.log")
	v.SetDefault("netwarden.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netwarden.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netwarden.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netwarden.log.outputs.file.rotation.compress", true)

	v.SetDefault("netwarden.metrics.enabled", false)
	v.SetDefault("netwarden.metrics.listen", "127.0.0.1:9105")
	v.SetDefault("netwarden.metrics.path", "/metrics")

	v.SetDefault("netwarden.rules.path", "regras.json")

	v.SetDefault("netwarden.capture.enabled", true)
	v.SetDefault("netwarden.capture.type", "afpacket")
	v.SetDefault("netwarden.capture.interface", "any")
	v.SetDefault("netwarden.capture.bpf_filter", "ip or ip6")
	v.SetDefault("netwarden.capture.snap_len", 65535)
	v.SetDefault("netwarden.capture.buffer_size", 32)

	v.SetDefault("netwarden.firewall.backend", "iptables")
	v.SetDefault("netwarden.firewall.binary", "iptables")
	v.SetDefault("netwarden.firewall.table", "netwarden")
	v.SetDefault("netwarden.firewall.inbound_chain", "INPUT")
	v.SetDefault("netwarden.firewall.outbound_chain", "OUTPUT")
	v.SetDefault("netwarden.firewall.flush_chains", []string{"INPUT", "OUTPUT", "FORWARD"})
	v.SetDefault("netwarden.firewall.rollback_on_failure", false)
	v.SetDefault("netwarden.firewall.activate_on_start", false)

	v.SetDefault("netwarden.notify.enabled", true)
	v.SetDefault("netwarden.notify.interval", "10s")
	v.SetDefault("netwarden.notify.spike_threshold", 50)
	v.SetDefault("netwarden.notify.spike_window", "10s")
	v.SetDefault("netwarden.notify.max_alerts", 100)
	v.SetDefault("netwarden.notify.alerts_per_second", 1.0)
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults
// that depend on other fields.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text", "pattern":
	default:
		return invalid("invalid log format: %s (must be json/text/pattern)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Control ──
	if cfg.Control.Socket == "" {
		return invalid("control.socket is required")
	}

	// ── Rules ──
	if cfg.Rules.Path == "" {
		return invalid("rules.path is required")
	}
	switch strings.ToLower(filepath.Ext(cfg.Rules.Path)) {
	case ".json", ".yaml", ".yml", "":
	default:
		return invalid("rules.path %s: extension must be .json, .yaml or .yml", cfg.Rules.Path)
	}

	// ── Capture ──
	if cfg.Capture.Enabled {
		switch cfg.Capture.Type {
		case "afpacket":
			if cfg.Capture.Interface == "" {
				return invalid("capture.interface is required for afpacket capture")
			}
		case "file":
			if cfg.Capture.File == "" {
				return invalid("capture.file is required for file capture")
			}
		default:
			return invalid("invalid capture.type: %s (must be afpacket/file)", cfg.Capture.Type)
		}
	}
	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 65535
	}
	if cfg.Capture.BufferSizeMB <= 0 {
		cfg.Capture.BufferSizeMB = 32
	}
	if (cfg.Capture.BlockSize > 0) != (cfg.Capture.NumBlocks > 0) {
		return invalid("capture.block_size and capture.num_blocks must be set together")
	}
	if err := cfg.Capture.DecodeOptions(&cfg.Capture.AFPacket); err != nil {
		return invalid("capture.options: %v", err)
	}

	// ── Firewall ──
	switch cfg.Firewall.Backend {
	case "iptables":
		if cfg.Firewall.Binary == "" {
			cfg.Firewall.Binary = "iptables"
		}
	case "nftables":
		if cfg.Firewall.Table == "" {
			return invalid("firewall.table is required for the nftables backend")
		}
	default:
		return invalid("invalid firewall.backend: %s (must be iptables/nftables)", cfg.Firewall.Backend)
	}
	if cfg.Firewall.InboundChain == "" || cfg.Firewall.OutboundChain == "" {
		return invalid("firewall.inbound_chain and firewall.outbound_chain are required")
	}
	if len(cfg.Firewall.FlushChains) == 0 {
		cfg.Firewall.FlushChains = []string{cfg.Firewall.InboundChain, cfg.Firewall.OutboundChain, "FORWARD"}
	}

	// ── Notify ──
	if cfg.Notify.Enabled {
		if cfg.Notify.Interval <= 0 {
			return invalid("notify.interval must be positive")
		}
		if cfg.Notify.SpikeWindow <= 0 {
			return invalid("notify.spike_window must be positive")
		}
		if cfg.Notify.SpikeThreshold <= 0 {
			return invalid("notify.spike_threshold must be positive")
		}
	}
	if cfg.Notify.MaxAlerts <= 0 {
		cfg.Notify.MaxAlerts = 100
	}
	if cfg.Notify.AlertsPerSecond <= 0 {
		cfg.Notify.AlertsPerSecond = 1
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
}
