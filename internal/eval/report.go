package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by Render.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ErrUnsupportedFormat is returned for an unknown output format.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// ValidFormat reports whether Render accepts format.
func ValidFormat(format string) bool {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
		return true
	}
	return false
}

// Render writes s to w in the requested format.
func Render(w io.Writer, s Summary, format string) error {
	switch format {
	case FormatTable:
		return renderTable(w, s)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summaryToView(s)); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(summaryToView(s)); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func renderTable(out io.Writer, s Summary) error {
	if _, err := fmt.Fprintf(out, "topology: %s  seed: %d\n\n", s.Topology, s.Seed); err != nil {
		return fmt.Errorf("write summary header: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRACTION\tINJECTED\tDETECTED\tFP\tFPR\tFN\tFNR\tR1\tR2\tPREP\tTEST\tLATE\tSTATUS")

	for _, r := range s.Reports {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%d\t%s\t%d\t%d\t%s\t%s\t%d\t%s\n",
			strconv.FormatFloat(r.Fraction, 'f', -1, 64),
			len(r.Injected),
			len(r.Detected),
			len(r.FalsePositives),
			formatRate(r.FPR),
			len(r.FalseNegatives),
			formatRate(r.FNR),
			r.Probes[0],
			r.Probes[1],
			r.PrepTime,
			r.TestTime,
			r.Late,
			status(r),
		)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush tabwriter: %w", err)
	}
	return nil
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func status(r Report) string {
	if r.Partial {
		return "PARTIAL"
	}
	return "OK"
}

// --- View types ---

type summaryView struct {
	Topology string       `json:"topology" yaml:"topology"`
	Seed     uint64       `json:"seed" yaml:"seed"`
	Partial  bool         `json:"partial" yaml:"partial"`
	Reports  []reportView `json:"reports" yaml:"reports"`
}

type reportView struct {
	Fraction       float64 `json:"fraction" yaml:"fraction"`
	Rules          int     `json:"rules" yaml:"rules"`
	Injected       []int   `json:"injected" yaml:"injected"`
	Detected       []int   `json:"detected" yaml:"detected"`
	FalsePositives []int   `json:"false_positives" yaml:"false_positives"`
	FalseNegatives []int   `json:"false_negatives" yaml:"false_negatives"`
	FPR            float64 `json:"fpr" yaml:"fpr"`
	FNR            float64 `json:"fnr" yaml:"fnr"`
	Round1Probes   int     `json:"round1_probes" yaml:"round1_probes"`
	Round2Probes   int     `json:"round2_probes" yaml:"round2_probes"`
	PrepTime       string  `json:"prep_time" yaml:"prep_time"`
	TestTime       string  `json:"test_time" yaml:"test_time"`
	Late           int     `json:"late" yaml:"late"`
	LastLate       string  `json:"last_late,omitempty" yaml:"last_late,omitempty"`
	Unexpected     int     `json:"unexpected" yaml:"unexpected"`
	Malformed      int     `json:"malformed" yaml:"malformed"`
	Status         string  `json:"status" yaml:"status"`
	Phase          string  `json:"phase,omitempty" yaml:"phase,omitempty"`
	Error          string  `json:"error,omitempty" yaml:"error,omitempty"`
}

func summaryToView(s Summary) summaryView {
	v := summaryView{
		Topology: s.Topology,
		Seed:     s.Seed,
		Partial:  s.Partial(),
		Reports:  make([]reportView, 0, len(s.Reports)),
	}
	for _, r := range s.Reports {
		v.Reports = append(v.Reports, reportToView(r))
	}
	return v
}

func reportToView(r Report) reportView {
	v := reportView{
		Fraction:       r.Fraction,
		Rules:          r.Rules,
		Injected:       nonNil(r.Injected),
		Detected:       nonNil(r.Detected),
		FalsePositives: nonNil(r.FalsePositives),
		FalseNegatives: nonNil(r.FalseNegatives),
		FPR:            r.FPR,
		FNR:            r.FNR,
		Round1Probes:   r.Probes[0],
		Round2Probes:   r.Probes[1],
		PrepTime:       r.PrepTime.String(),
		TestTime:       r.TestTime.String(),
		Late:           r.Late,
		Unexpected:     r.Unexpected,
		Malformed:      r.Malformed,
		Status:         status(r),
	}
	if r.Late > 0 {
		v.LastLate = r.LastLate.String()
	}
	if r.Partial {
		v.Phase = r.Phase.String()
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
