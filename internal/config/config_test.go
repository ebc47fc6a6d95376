package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/voyager/internal/config"
	"github.com/dantte-lp/voyager/internal/flow"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	want := &config.Config{
		Log:     config.LogConfig{Level: "info", Format: "json"},
		Metrics: config.MetricsConfig{Addr: ":9100", Path: "/metrics"},
		Topology: config.TopologyConfig{
			File:     "data/topo/demo.topo",
			StoreDir: "data/store",
		},
		Probe: config.ProbeConfig{
			Timeout:       2 * time.Second,
			NegativeGrace: 500 * time.Millisecond,
			Marker:        "ipv4_src",
		},
		Eval: config.EvalConfig{
			ErrorRates: []float64{0.0, 0.1},
			Seed:       1,
			Settle:     time.Second,
			Output:     "table",
		},
		Netsim: config.NetsimConfig{QueueSize: 1024},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("DefaultConfig() mismatch (-want +got):\n%s", diff)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
log:
  level: "debug"
  format: "text"
metrics:
  addr: ""
topology:
  file: "topo/fat4.topo"
  store_dir: "store"
probe:
  timeout: "3s"
  negative_grace: "250ms"
  marker: "custom"
eval:
  error_rates: [0.0, 0.05, 0.2]
  seed: 42
  settle: "0s"
  stop_on_error: true
  output: "json"
netsim:
  link_delay: "2ms"
  queue_size: 16
`

	path := writeTemp(t, "voyager.yml", yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	want := &config.Config{
		Log:     config.LogConfig{Level: "debug", Format: "text"},
		Metrics: config.MetricsConfig{Addr: "", Path: "/metrics"},
		Topology: config.TopologyConfig{
			File:     "topo/fat4.topo",
			StoreDir: "store",
		},
		Probe: config.ProbeConfig{
			Timeout:       3 * time.Second,
			NegativeGrace: 250 * time.Millisecond,
			Marker:        "custom",
		},
		Eval: config.EvalConfig{
			ErrorRates:  []float64{0.0, 0.05, 0.2},
			Seed:        42,
			Settle:      0,
			StopOnError: true,
			Output:      "json",
		},
		Netsim: config.NetsimConfig{LinkDelay: 2 * time.Millisecond, QueueSize: 16},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	marker, err := cfg.Probe.MarkerMode()
	if err != nil || marker != flow.MarkerCustom {
		t.Errorf("MarkerMode() = %v, %v; want %v", marker, err, flow.MarkerCustom)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Only probe.timeout and log.level are overridden.
	yamlContent := `
probe:
  timeout: "5s"
log:
  level: "warn"
`

	path := writeTemp(t, "voyager.yml", yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	want := config.DefaultConfig()
	want.Probe.Timeout = 5 * time.Second
	want.Log.Level = "warn"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VOYAGER_PROBE_NEGATIVE_GRACE", "1s")
	t.Setenv("VOYAGER_EVAL_ERROR_RATES", "0.3,0.6")
	t.Setenv("VOYAGER_TOPOLOGY_STORE_DIR", "/var/lib/voyager/store")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Probe.NegativeGrace != time.Second {
		t.Errorf("Probe.NegativeGrace = %v, want 1s", cfg.Probe.NegativeGrace)
	}
	if diff := cmp.Diff([]float64{0.3, 0.6}, cfg.Eval.ErrorRates); diff != "" {
		t.Errorf("Eval.ErrorRates mismatch (-want +got):\n%s", diff)
	}
	if cfg.Topology.StoreDir != "/var/lib/voyager/store" {
		t.Errorf("Topology.StoreDir = %q, want /var/lib/voyager/store", cfg.Topology.StoreDir)
	}
	if cfg.Probe.Timeout != 2*time.Second {
		t.Errorf("Probe.Timeout = %v, want default 2s", cfg.Probe.Timeout)
	}
}

func TestLoadEnvErrorRates(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    []float64
		wantErr error
	}{
		{name: "single", value: "0.25", want: []float64{0.25}},
		{name: "spaces", value: "0.0, 0.1 ,0.5", want: []float64{0, 0.1, 0.5}},
		{name: "trailing comma", value: "0.2,", want: []float64{0.2}},
		{name: "empty", value: ",", wantErr: config.ErrNoErrorRates},
		{name: "out of range", value: "0.1,1.5", wantErr: config.ErrInvalidErrorRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VOYAGER_EVAL_ERROR_RATES", tt.value)

			cfg, err := config.Load("")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Load() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if diff := cmp.Diff(tt.want, cfg.Eval.ErrorRates); diff != "" {
				t.Errorf("Eval.ErrorRates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeTemp(t, "voyager.yml", "eval:\n  error_rates: [0.0, 0.1, 0.2]\n")
	t.Setenv("VOYAGER_EVAL_ERROR_RATES", "0.9")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}
	if diff := cmp.Diff([]float64{0.9}, cfg.Eval.ErrorRates); diff != "" {
		t.Errorf("Eval.ErrorRates mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "voyager.yml", "probe:\n  timeout: \"0s\"\n")

	_, err := config.Load(path)
	if !errors.Is(err, config.ErrInvalidTimeout) {
		t.Fatalf("Load() error = %v, want %v", err, config.ErrInvalidTimeout)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "unknown log format",
			modify:  func(cfg *config.Config) { cfg.Log.Format = "xml" },
			wantErr: config.ErrInvalidLogFormat,
		},
		{
			name:    "metrics path without slash",
			modify:  func(cfg *config.Config) { cfg.Metrics.Path = "metrics" },
			wantErr: config.ErrInvalidMetricsPath,
		},
		{
			name:    "empty topology file",
			modify:  func(cfg *config.Config) { cfg.Topology.File = "" },
			wantErr: config.ErrEmptyTopologyFile,
		},
		{
			name:    "zero timeout",
			modify:  func(cfg *config.Config) { cfg.Probe.Timeout = 0 },
			wantErr: config.ErrInvalidTimeout,
		},
		{
			name:    "negative grace",
			modify:  func(cfg *config.Config) { cfg.Probe.NegativeGrace = -time.Millisecond },
			wantErr: config.ErrInvalidNegativeGrace,
		},
		{
			name:    "unknown marker",
			modify:  func(cfg *config.Config) { cfg.Probe.Marker = "vlan" },
			wantErr: flow.ErrUnknownMarker,
		},
		{
			name:    "no error rates",
			modify:  func(cfg *config.Config) { cfg.Eval.ErrorRates = nil },
			wantErr: config.ErrNoErrorRates,
		},
		{
			name:    "error rate above one",
			modify:  func(cfg *config.Config) { cfg.Eval.ErrorRates = []float64{0.1, 1.5} },
			wantErr: config.ErrInvalidErrorRate,
		},
		{
			name:    "negative settle",
			modify:  func(cfg *config.Config) { cfg.Eval.Settle = -time.Second },
			wantErr: config.ErrInvalidSettle,
		},
		{
			name:    "unknown output",
			modify:  func(cfg *config.Config) { cfg.Eval.Output = "csv" },
			wantErr: config.ErrInvalidOutput,
		},
		{
			name:    "negative link delay",
			modify:  func(cfg *config.Config) { cfg.Netsim.LinkDelay = -time.Millisecond },
			wantErr: config.ErrInvalidLinkDelay,
		},
		{
			name:    "zero queue size",
			modify:  func(cfg *config.Config) { cfg.Netsim.QueueSize = 0 },
			wantErr: config.ErrInvalidQueueSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMetricsDisabled(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Metrics.Addr = ""
	cfg.Metrics.Path = ""

	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() with metrics disabled: %v", err)
	}
}

func TestLoadLegacy(t *testing.T) {
	t.Parallel()

	content := "toponame=line3.topo\nerr=0.0|0.1|0.25\ntimeout=1.5\ncustom=1\n"
	path := writeTemp(t, "default.cfg", content)

	cfg, err := config.LoadLegacy(path)
	if err != nil {
		t.Fatalf("LoadLegacy(%q) error: %v", path, err)
	}

	want := config.DefaultConfig()
	want.Topology.File = filepath.Join("data", "topo", "line3.topo")
	want.Eval.ErrorRates = []float64{0.0, 0.1, 0.25}
	want.Probe.Timeout = 1500 * time.Millisecond
	want.Probe.Marker = "custom"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadLegacy() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadLegacyPartial(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "default.cfg", "# legacy config\n\ntoponame=fat4.topo\ncustom=0\nextra=ignored\n")

	cfg, err := config.LoadLegacy(path)
	if err != nil {
		t.Fatalf("LoadLegacy(%q) error: %v", path, err)
	}

	want := config.DefaultConfig()
	want.Topology.File = filepath.Join("data", "topo", "fat4.topo")

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadLegacy() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadLegacyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "missing equals", content: "toponame line3.topo\n", wantErr: config.ErrMalformedLegacy},
		{name: "empty key", content: "=1\n", wantErr: config.ErrMalformedLegacy},
		{name: "bad rate", content: "err=0.1|x\n", wantErr: config.ErrMalformedLegacy},
		{name: "bad timeout", content: "timeout=soon\n", wantErr: config.ErrMalformedLegacy},
		{name: "bad custom", content: "custom=yes\n", wantErr: config.ErrMalformedLegacy},
		{name: "rate out of range", content: "err=0.1|2\n", wantErr: config.ErrInvalidErrorRate},
		{name: "zero timeout", content: "timeout=0\n", wantErr: config.ErrInvalidTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeTemp(t, "default.cfg", tt.content)

			_, err := config.LoadLegacy(path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("LoadLegacy() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "Error", want: slog.LevelError},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/path/voyager.yml"); err == nil {
		t.Error("Load() returned nil error for nonexistent file")
	}
	if _, err := config.LoadLegacy("/nonexistent/path/default.cfg"); err == nil {
		t.Error("LoadLegacy() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
