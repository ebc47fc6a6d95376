package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Legacy keys.
const (
	legacyTopoName = "toponame"
	legacyErr      = "err"
	legacyTimeout  = "timeout"
	legacyCustom   = "custom"
)

// ErrMalformedLegacy indicates a line or value the flat key=value format
// cannot represent.
var ErrMalformedLegacy = errors.New("malformed legacy config")

// LoadLegacy reads the legacy flat key=value config:
//
//	toponame=demo.topo
//	err=0.0|0.1|0.2
//	timeout=2
//	custom=0
//
// toponame is resolved under DefaultTopologyDir, err lists fault fractions
// separated by |, timeout is in seconds and custom=1 selects the custom
// marker. Keys not present keep their defaults; unknown keys are ignored.
func LoadLegacy(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), legacyParser{}); err != nil {
		return nil, fmt.Errorf("load legacy config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := applyLegacy(k, cfg); err != nil {
		return nil, fmt.Errorf("legacy config %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate legacy config from %s: %w", path, err)
	}
	return cfg, nil
}

func applyLegacy(k *koanf.Koanf, cfg *Config) error {
	if k.Exists(legacyTopoName) {
		cfg.Topology.File = filepath.Join(DefaultTopologyDir, k.String(legacyTopoName))
	}

	if k.Exists(legacyErr) {
		rates, err := parseRates(k.String(legacyErr))
		if err != nil {
			return err
		}
		cfg.Eval.ErrorRates = rates
	}

	if k.Exists(legacyTimeout) {
		secs, err := strconv.ParseFloat(k.String(legacyTimeout), 64)
		if err != nil {
			return fmt.Errorf("%w: timeout %q: %w", ErrMalformedLegacy, k.String(legacyTimeout), err)
		}
		cfg.Probe.Timeout = time.Duration(secs * float64(time.Second))
	}

	if k.Exists(legacyCustom) {
		v, err := strconv.Atoi(k.String(legacyCustom))
		if err != nil {
			return fmt.Errorf("%w: custom %q: %w", ErrMalformedLegacy, k.String(legacyCustom), err)
		}
		cfg.Probe.Marker = "ipv4_src"
		if v != 0 {
			cfg.Probe.Marker = "custom"
		}
	}

	return nil
}

func parseRates(s string) ([]float64, error) {
	parts := strings.Split(s, "|")
	rates := make([]float64, 0, len(parts))
	for _, p := range parts {
		r, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: err %q: %w", ErrMalformedLegacy, s, err)
		}
		rates = append(rates, r)
	}
	return rates, nil
}

// legacyParser is a koanf.Parser for key=value lines. Blank lines and lines
// starting with # are skipped.
type legacyParser struct{}

func (legacyParser) Unmarshal(b []byte) (map[string]any, error) {
	out := make(map[string]any)
	sc := bufio.NewScanner(bytes.NewReader(b))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedLegacy, n, line)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan legacy config: %w", err)
	}
	return out, nil
}

func (legacyParser) Marshal(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	for _, key := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(&buf, "%s=%v\n", key, m[key])
	}
	return buf.Bytes(), nil
}
