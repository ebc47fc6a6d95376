package commands_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/voyager/cmd/voyagerctl/commands"
)

const (
	line3Topo  = "../../../testdata/topo/line3.topo"
	line3Store = "../../../testdata/store"
)

// execute runs voyagerctl with args against the line3 fixture.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := commands.NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--topology", line3Topo, "--store-dir", line3Store}, args...))

	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestInspectTable(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "", "inspect")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}

	for _, want := range []string{
		"Switches:",
		"Host Rules Dropped:",
		"DPID",
		"TEST-HEADER",
		"10001,10002",
		"1,3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestInspectJSON(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "", "inspect", "--format", "json")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}

	type switchRow struct {
		DPID       uint64   `json:"dpid"`
		Neighbors  []uint64 `json:"neighbors"`
		Rules      []int    `json:"rules"`
		MaskBit    int      `json:"mask_bit"`
		Report     string   `json:"report"`
		TestHeader string   `json:"test_header"`
	}
	var got struct {
		Switches         int         `json:"switches"`
		Rules            int         `json:"rules"`
		NegativeRules    int         `json:"negative_rules"`
		HostRulesDropped int         `json:"host_rules_dropped"`
		MaskLen          int         `json:"mask_len"`
		Marker           string      `json:"marker"`
		Paths            int         `json:"paths"`
		CoveredRules     int         `json:"covered_rules"`
		Uncovered        []int       `json:"single_rule_probes"`
		SwitchList       []switchRow `json:"switch_list"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal inspect output: %v\n%s", err, out)
	}

	if got.Switches != 3 || got.Rules != 5 || got.HostRulesDropped != 1 || got.NegativeRules != 0 {
		t.Errorf("counts = %d switches, %d rules, %d host, %d negative; want 3, 5, 1, 0",
			got.Switches, got.Rules, got.HostRulesDropped, got.NegativeRules)
	}
	if got.MaskLen != 3 || got.Paths != 3 || got.CoveredRules != 5 || len(got.Uncovered) != 0 {
		t.Errorf("store = masklen %d, %d paths, %d covered, uncovered %v; want 3, 3, 5, none",
			got.MaskLen, got.Paths, got.CoveredRules, got.Uncovered)
	}
	if got.Marker != "ipv4_src" {
		t.Errorf("marker = %q, want ipv4_src", got.Marker)
	}

	want := []switchRow{
		{DPID: 1, Neighbors: []uint64{2}, Rules: []int{10001, 10002}, MaskBit: 0, Report: "001", TestHeader: "010"},
		{DPID: 2, Neighbors: []uint64{1, 3}, Rules: []int{10003, 10004}, MaskBit: 1, Report: "010", TestHeader: "101"},
		{DPID: 3, Neighbors: []uint64{2}, Rules: []int{10005}, MaskBit: 2, Report: "100", TestHeader: "010"},
	}
	if diff := cmp.Diff(want, got.SwitchList); diff != "" {
		t.Errorf("switch list mismatch (-want +got):\n%s", diff)
	}
}

type probeRow struct {
	ID          uint64 `json:"id"`
	Path        string `json:"path"`
	Switch      uint64 `json:"switch"`
	InPort      uint32 `json:"in_port"`
	Expected    uint64 `json:"expected"`
	Negative    bool   `json:"negative"`
	Precomputed bool   `json:"precomputed"`
}

func TestProbesPlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want []probeRow
	}{
		{
			name: "round 1",
			args: []string{"probes", "--format", "json"},
			want: []probeRow{
				{ID: 1000, Path: "10001|10003", Switch: 1, InPort: 1001, Expected: 3, Precomputed: true},
				{ID: 1001, Path: "10002", Switch: 1, InPort: 1001, Expected: 2, Precomputed: true},
				{ID: 1002, Path: "10005|10004", Switch: 3, InPort: 1001, Expected: 1, Precomputed: true},
			},
		},
		{
			name: "singles",
			args: []string{"probes", "--singles", "--format", "json"},
			want: []probeRow{
				{ID: 1003, Path: "10001", Switch: 1, InPort: 1001, Expected: 2},
				{ID: 1004, Path: "10002", Switch: 1, InPort: 1001, Expected: 2, Precomputed: true},
				{ID: 1005, Path: "10003", Switch: 2, InPort: 1, Expected: 3},
				{ID: 1006, Path: "10004", Switch: 2, InPort: 3, Expected: 1},
				{ID: 1007, Path: "10005", Switch: 3, InPort: 1001, Expected: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, _, err := execute(t, "", tt.args...)
			if err != nil {
				t.Fatalf("probes: %v", err)
			}

			var got []probeRow
			if err := json.Unmarshal([]byte(out), &got); err != nil {
				t.Fatalf("unmarshal probes output: %v\n%s", err, out)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("probe plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProbesTable(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "", "probes", "--marker", "custom")
	if err != nil {
		t.Fatalf("probes: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("probes table has %d lines, want header + 3:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "10001|10003") {
		t.Errorf("unexpected probes table:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "", "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}

	var got struct {
		Binary  string `json:"binary"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal version output: %v", err)
	}
	if got.Binary != "voyagerctl" || got.Version != "dev" {
		t.Errorf("version = %+v, want voyagerctl dev", got)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unsupported format", []string{"inspect", "--format", "xml"}, "unsupported output format"},
		{"unknown marker", []string{"probes", "--marker", "vlan"}, "unknown marker mode"},
		{"missing topology", []string{"inspect", "--topology", "nonexistent.topo"}, "load topology"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := execute(t, "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want one containing %q", err, tt.want)
			}
		})
	}
}

func TestShell(t *testing.T) {
	t.Parallel()

	out, errOut, err := execute(t, "help\nversion\nbogus\n\nexit\n", "shell")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}

	for _, want := range []string{"Available commands:", "voyagerctl dev", "voyagerctl> "} {
		if !strings.Contains(out, want) {
			t.Errorf("shell output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(errOut, "unknown command") {
		t.Errorf("shell stderr = %q, want an unknown command error", errOut)
	}
}
