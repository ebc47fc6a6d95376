package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dantte-lp/voyager/internal/probe"
	appversion "github.com/dantte-lp/voyager/internal/version"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatInspect renders the topology summary in the requested format.
func formatInspect(m *model, format string) (string, error) {
	v := inspectToView(m)
	switch format {
	case formatJSON:
		return marshalJSON(v, "topology")
	case formatTable:
		return formatInspectTable(v)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatProbes renders a probe plan in the requested format.
func formatProbes(probes []probe.Probe, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(probesToView(probes), "probes")
	case formatTable:
		return formatProbesTable(probes)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatVersion renders build information in the requested format.
func formatVersion(info appversion.Info, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(info, "version")
	case formatTable:
		return appversion.Full(info.Binary), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatInspectTable(v *inspectView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Topology:\t%s\n", v.Topology)
	fmt.Fprintf(w, "Switches:\t%d\n", v.Switches)
	fmt.Fprintf(w, "Rules:\t%d\n", v.Rules)
	fmt.Fprintf(w, "Negative Rules:\t%d\n", v.NegativeRules)
	fmt.Fprintf(w, "Host Rules Dropped:\t%d\n", v.HostRulesDropped)
	fmt.Fprintf(w, "Mask Length:\t%d\n", v.MaskLen)
	fmt.Fprintf(w, "Marker:\t%s\n", v.Marker)
	fmt.Fprintf(w, "Precomputed Paths:\t%d\n", v.Paths)
	fmt.Fprintf(w, "Covered Rules:\t%d\n", v.CoveredRules)
	fmt.Fprintf(w, "Single-Rule Probes:\t%s\n", joinInts(v.Uncovered))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "DPID\tSID\tNEIGHBORS\tRULES\tMASKBIT\tREPORT\tTEST-HEADER")
	for _, s := range v.SwitchList {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			s.DPID,
			s.ID,
			joinUints(s.Neighbors),
			joinInts(s.Rules),
			s.MaskBit,
			s.Report,
			s.TestHeader,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatProbesTable(probes []probe.Probe) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tSWITCH\tIN-PORT\tEXPECTED\tKIND\tSOURCE\tBYTES")

	for _, p := range probes {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s\t%d\n",
			p.ID,
			p.Path,
			p.Switch,
			p.InPort,
			expected(p),
			probeKind(p),
			probeSource(p),
			len(p.Data),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func expected(p probe.Probe) string {
	if p.Negative {
		return valueNone
	}
	return strconv.FormatUint(p.Expected, 10)
}

func probeKind(p probe.Probe) string {
	if p.Negative {
		return "negative"
	}
	return "positive"
}

func probeSource(p probe.Probe) string {
	if p.Precomputed {
		return "store"
	}
	return "single"
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return valueNone
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func joinUints(ids []uint64) string {
	if len(ids) == 0 {
		return valueNone
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

// --- JSON formatters ---

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s to JSON: %w", what, err)
	}

	return string(data), nil
}

// --- View types for clean JSON output ---

type inspectView struct {
	Topology         string       `json:"topology"`
	Switches         int          `json:"switches"`
	Rules            int          `json:"rules"`
	NegativeRules    int          `json:"negative_rules"`
	HostRulesDropped int          `json:"host_rules_dropped"`
	MaskLen          int          `json:"mask_len"`
	Marker           string       `json:"marker"`
	Paths            int          `json:"paths"`
	CoveredRules     int          `json:"covered_rules"`
	Uncovered        []int        `json:"single_rule_probes"`
	SwitchList       []switchView `json:"switch_list"`
}

type switchView struct {
	DPID       uint64   `json:"dpid"`
	ID         int      `json:"sid"`
	Neighbors  []uint64 `json:"neighbors"`
	Rules      []int    `json:"rules"`
	MaskBit    int      `json:"mask_bit"`
	Report     string   `json:"report"`
	TestHeader string   `json:"test_header"`
}

type probeView struct {
	ID          uint64 `json:"id"`
	Path        string `json:"path"`
	Switch      uint64 `json:"switch"`
	InPort      uint32 `json:"in_port"`
	Expected    uint64 `json:"expected,omitempty"`
	Negative    bool   `json:"negative"`
	Precomputed bool   `json:"precomputed"`
	Bytes       int    `json:"bytes"`
}

func inspectToView(m *model) *inspectView {
	covered := m.store.Covered()

	v := &inspectView{
		Topology:         m.name,
		Switches:         m.topo.NumSwitches(),
		Rules:            m.topo.NumRules(),
		HostRulesDropped: m.topo.HostRules(),
		MaskLen:          m.store.MaskLen(),
		Marker:           m.marker.String(),
		Paths:            len(m.store.Paths()),
		CoveredRules:     len(covered),
		Uncovered:        []int{},
	}

	for _, id := range m.topo.RuleIDs() {
		if r, ok := m.topo.Rule(id); ok && r.Negative() {
			v.NegativeRules++
		}
		if _, ok := covered[id]; !ok {
			v.Uncovered = append(v.Uncovered, id)
		}
	}

	for _, sw := range m.topo.Switches() {
		sv := switchView{
			DPID:      sw.DPID,
			ID:        sw.ID,
			Neighbors: slices.Clone(sw.Neighbors),
			Rules:     slices.Clone(sw.Rules),
		}
		if a, ok := m.store.Assignment(sw.DPID); ok {
			sv.MaskBit = a.MaskBit
		}
		sv.Report, _, _ = m.store.ReportBits(sw.DPID)
		sv.TestHeader, _ = m.store.SwitchTestHeader(sw.DPID)
		v.SwitchList = append(v.SwitchList, sv)
	}

	return v
}

func probesToView(probes []probe.Probe) []probeView {
	views := make([]probeView, 0, len(probes))
	for _, p := range probes {
		views = append(views, probeView{
			ID:          p.ID,
			Path:        p.Path.String(),
			Switch:      p.Switch,
			InPort:      p.InPort,
			Expected:    p.Expected,
			Negative:    p.Negative,
			Precomputed: p.Precomputed,
			Bytes:       len(p.Data),
		})
	}
	return views
}
