// Package config manages voyager configuration using koanf/v2.
//
// Supports YAML files, environment variables and the legacy flat key=value
// format (see LoadLegacy).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/voyager/internal/eval"
	"github.com/dantte-lp/voyager/internal/flow"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete voyager configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Topology TopologyConfig `koanf:"topology"`
	Probe    ProbeConfig    `koanf:"probe"`
	Eval     EvalConfig     `koanf:"eval"`
	Netsim   NetsimConfig   `koanf:"netsim"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address (e.g., ":9100"). Empty disables the
	// endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// TopologyConfig locates the topology file and its precomputed header store.
type TopologyConfig struct {
	// File is the path of the .topo file.
	File string `koanf:"file"`
	// StoreDir holds <name>.switch.store and <name>.path.store.
	StoreDir string `koanf:"store_dir"`
}

// ProbeConfig holds the round controller timing and header encoding.
type ProbeConfig struct {
	// Timeout fails a positive probe that has not reported in time.
	Timeout time.Duration `koanf:"timeout"`
	// NegativeGrace passes a negative probe that stayed silent this long.
	NegativeGrace time.Duration `koanf:"negative_grace"`
	// Marker is the report header field: "ipv4_src" or "custom".
	Marker string `koanf:"marker"`
}

// EvalConfig holds the fault-injection sweep parameters.
type EvalConfig struct {
	// ErrorRates are the fault fractions to sweep, in order.
	ErrorRates []float64 `koanf:"error_rates"`
	// Seed makes fault sampling reproducible.
	Seed uint64 `koanf:"seed"`
	// Settle is the pause between installing rules and launching round 1.
	Settle time.Duration `koanf:"settle"`
	// StopOnError ends the sweep at the first failed campaign.
	StopOnError bool `koanf:"stop_on_error"`
	// Output is the summary format: "table", "json" or "yaml".
	Output string `koanf:"output"`
}

// NetsimConfig holds the in-process dataplane parameters.
type NetsimConfig struct {
	// LinkDelay is added to every inter-switch hop.
	LinkDelay time.Duration `koanf:"link_delay"`
	// QueueSize is the per-switch inbox capacity.
	QueueSize int `koanf:"queue_size"`
}

// MarkerMode parses Probe.Marker.
func (pc ProbeConfig) MarkerMode() (flow.Marker, error) {
	m, err := flow.ParseMarker(pc.Marker)
	if err != nil {
		return 0, fmt.Errorf("probe.marker: %w", err)
	}
	return m, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

const (
	// DefaultTopologyDir is where legacy configs look up topology names.
	DefaultTopologyDir = "data/topo"
	// DefaultStoreDir holds the precomputed header stores.
	DefaultStoreDir = "data/store"
)

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Topology: TopologyConfig{
			File:     DefaultTopologyDir + "/demo.topo",
			StoreDir: DefaultStoreDir,
		},
		Probe: ProbeConfig{
			Timeout:       2 * time.Second,
			NegativeGrace: 500 * time.Millisecond,
			Marker:        "ipv4_src",
		},
		Eval: EvalConfig{
			ErrorRates: []float64{0.0, 0.1},
			Seed:       1,
			Settle:     time.Second,
			Output:     eval.FormatTable,
		},
		Netsim: NetsimConfig{
			QueueSize: 1024,
		},
	}
}

// -------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for voyager configuration.
const envPrefix = "VOYAGER_"

// Load reads configuration from a YAML file and overlays environment
// variables. Environment variables use the VOYAGER_ prefix with the first
// underscore separating the section from the key.
// Example: VOYAGER_PROBE_NEGATIVE_GRACE=1s sets probe.negative_grace.
//
// Load applies defaults first, then the YAML file (if path is non-empty),
// then environment variables. The final config is validated before return.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValueMapper), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %q: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms VOYAGER_EVAL_ERROR_RATES -> eval.error_rates.
// Section names contain no underscore, so only the first one becomes a dot.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// envListKeys are the keys whose environment values are comma-separated lists.
var envListKeys = map[string]bool{
	"eval.error_rates": true,
}

// envValueMapper maps the key with envKeyMapper and splits list values, so
// VOYAGER_EVAL_ERROR_RATES=0.3,0.6 sets eval.error_rates to [0.3 0.6].
func envValueMapper(key, value string) (string, any) {
	key = envKeyMapper(key)
	if !envListKeys[key] {
		return key, value
	}

	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return key, list
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"topology.file":        defaults.Topology.File,
		"topology.store_dir":   defaults.Topology.StoreDir,
		"probe.timeout":        defaults.Probe.Timeout.String(),
		"probe.negative_grace": defaults.Probe.NegativeGrace.String(),
		"probe.marker":         defaults.Probe.Marker,
		"eval.error_rates":     defaults.Eval.ErrorRates,
		"eval.seed":            defaults.Eval.Seed,
		"eval.settle":          defaults.Eval.Settle.String(),
		"eval.stop_on_error":   defaults.Eval.StopOnError,
		"eval.output":          defaults.Eval.Output,
		"netsim.link_delay":    defaults.Netsim.LinkDelay.String(),
		"netsim.queue_size":    defaults.Netsim.QueueSize,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidLogFormat indicates a log format other than json or text.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrInvalidMetricsPath indicates a metrics path without a leading slash.
	ErrInvalidMetricsPath = errors.New("metrics.path must start with /")

	// ErrEmptyTopologyFile indicates no topology file is configured.
	ErrEmptyTopologyFile = errors.New("topology.file must not be empty")

	// ErrInvalidTimeout indicates a non-positive probe timeout.
	ErrInvalidTimeout = errors.New("probe.timeout must be > 0")

	// ErrInvalidNegativeGrace indicates a non-positive negative-probe grace period.
	ErrInvalidNegativeGrace = errors.New("probe.negative_grace must be > 0")

	// ErrNoErrorRates indicates an empty sweep.
	ErrNoErrorRates = errors.New("eval.error_rates must not be empty")

	// ErrInvalidErrorRate indicates a fault fraction outside [0, 1].
	ErrInvalidErrorRate = errors.New("eval.error_rates entries must be within [0, 1]")

	// ErrInvalidSettle indicates a negative settle delay.
	ErrInvalidSettle = errors.New("eval.settle must be >= 0")

	// ErrInvalidOutput indicates an unknown summary format.
	ErrInvalidOutput = errors.New("eval.output must be table, json or yaml")

	// ErrInvalidLinkDelay indicates a negative link delay.
	ErrInvalidLinkDelay = errors.New("netsim.link_delay must be >= 0")

	// ErrInvalidQueueSize indicates a non-positive switch queue size.
	ErrInvalidQueueSize = errors.New("netsim.queue_size must be >= 1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if cfg.Metrics.Addr != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("%q: %w", cfg.Metrics.Path, ErrInvalidMetricsPath)
	}

	if cfg.Topology.File == "" {
		return ErrEmptyTopologyFile
	}

	if err := validateProbe(cfg.Probe); err != nil {
		return err
	}

	if err := validateEval(cfg.Eval); err != nil {
		return err
	}

	if cfg.Netsim.LinkDelay < 0 {
		return ErrInvalidLinkDelay
	}

	if cfg.Netsim.QueueSize < 1 {
		return ErrInvalidQueueSize
	}

	return nil
}

func validateProbe(pc ProbeConfig) error {
	if pc.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if pc.NegativeGrace <= 0 {
		return ErrInvalidNegativeGrace
	}

	if _, err := pc.MarkerMode(); err != nil {
		return err
	}

	return nil
}

func validateEval(ec EvalConfig) error {
	if len(ec.ErrorRates) == 0 {
		return ErrNoErrorRates
	}

	for i, r := range ec.ErrorRates {
		if r < 0 || r > 1 {
			return fmt.Errorf("eval.error_rates[%d] = %v: %w", i, r, ErrInvalidErrorRate)
		}
	}

	if ec.Settle < 0 {
		return ErrInvalidSettle
	}

	if !eval.ValidFormat(ec.Output) {
		return fmt.Errorf("%q: %w", ec.Output, ErrInvalidOutput)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
