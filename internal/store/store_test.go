package store_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
)

const (
	topoFile = "../../testdata/topo/line3.topo"
	storeDir = "../../testdata/store"
)

func loadLine3(t *testing.T) (*topo.Topology, *store.Store) {
	t.Helper()

	tp, err := topo.Load(topoFile)
	if err != nil {
		t.Fatalf("topo.Load: %v", err)
	}
	s, err := store.Load(storeDir, topoFile, tp)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return tp, s
}

func TestLoadLine3(t *testing.T) {
	t.Parallel()

	_, s := loadLine3(t)

	if s.MaskLen() != 3 {
		t.Errorf("MaskLen = %d, want 3", s.MaskLen())
	}

	paths := s.Paths()
	got := make([]string, 0, len(paths))
	for _, ph := range paths {
		got = append(got, ph.Path.String())
	}
	if diff := cmp.Diff([]string{"10001|10003", "10002", "10005|10004"}, got); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}

	ph, ok := s.Path(store.RulePath{10001, 10003})
	if !ok {
		t.Fatal("Path(10001|10003) not found")
	}
	if ph.Test != "100" {
		t.Errorf("test header = %q, want 100", ph.Test)
	}

	covered := s.Covered()
	for _, id := range []int{10001, 10002, 10003, 10004, 10005} {
		if _, ok := covered[id]; !ok {
			t.Errorf("rule %d not covered", id)
		}
	}
}

func TestReportBits(t *testing.T) {
	t.Parallel()

	_, s := loadLine3(t)

	tests := []struct {
		dpid      uint64
		wantValue string
		wantMask  string
	}{
		{dpid: 1, wantValue: "001", wantMask: "001"},
		{dpid: 2, wantValue: "010", wantMask: "010"},
		{dpid: 3, wantValue: "100", wantMask: "100"},
	}

	for _, tt := range tests {
		value, mask, ok := s.ReportBits(tt.dpid)
		if !ok {
			t.Fatalf("ReportBits(%d) missing", tt.dpid)
		}
		if value != tt.wantValue || mask != tt.wantMask {
			t.Errorf("ReportBits(%d) = %q/%q, want %q/%q", tt.dpid, value, mask, tt.wantValue, tt.wantMask)
		}
	}

	if _, _, ok := s.ReportBits(99); ok {
		t.Error("ReportBits(99) found an unknown switch")
	}
}

func TestHeadersFallback(t *testing.T) {
	t.Parallel()

	_, s := loadLine3(t)

	ph, precomputed, err := s.Headers(store.RulePath{10003})
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if precomputed {
		t.Error("single rule 10003 reported as precomputed")
	}
	// 10003 lives on switch 1, whose test header is 101.
	if ph.Test != "101" || ph.Packet != "000010100000000000000010xxxxxxxx" {
		t.Errorf("fallback headers = %+v", ph)
	}

	if _, _, err := s.Headers(store.RulePath{10003, 10001}); !errors.Is(err, store.ErrMalformedHeaderStore) {
		t.Errorf("uncovered multi-rule path error = %v, want ErrMalformedHeaderStore", err)
	}
}

func TestRulePath(t *testing.T) {
	t.Parallel()

	p, err := store.ParseRulePath("10001|10002")
	if err != nil {
		t.Fatalf("ParseRulePath: %v", err)
	}
	if diff := cmp.Diff(store.RulePath{10001, 10002}, p); diff != "" {
		t.Errorf("ParseRulePath mismatch (-want +got):\n%s", diff)
	}
	if p.String() != "10001|10002" {
		t.Errorf("String = %q", p.String())
	}
	if p.First() != 10001 || p.Last() != 10002 || p.Single() {
		t.Errorf("First/Last/Single = %d/%d/%v", p.First(), p.Last(), p.Single())
	}

	for _, bad := range []string{"", "1||2", "a|b", "1|"} {
		if _, err := store.ParseRulePath(bad); !errors.Is(err, store.ErrInvalidRulePath) {
			t.Errorf("ParseRulePath(%q) error = %v, want ErrInvalidRulePath", bad, err)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	tp, err := topo.Load(topoFile)
	if err != nil {
		t.Fatalf("topo.Load: %v", err)
	}

	const goodSwitches = "3\n0 0 1 010\n1 1 1 101\n2 2 1 010\n"
	const goodPaths = "10002 000010100000000000000001xxxxxxxx 010\n"

	tests := []struct {
		name     string
		switches string
		paths    string
	}{
		{"empty switch store", "", goodPaths},
		{"bad mask length", "x\n", goodPaths},
		{"switch field count", "3\n0 0 1\n", goodPaths},
		{"unknown switch", "3\n0 0 1 010\n1 1 1 101\n2 2 1 010\n7 0 1 010\n", goodPaths},
		{"duplicate switch", "3\n0 0 1 010\n0 1 1 101\n", goodPaths},
		{"mask bit out of range", "3\n0 3 1 010\n1 1 1 101\n2 2 1 010\n", goodPaths},
		{"value not a bit", "3\n0 0 2 010\n1 1 1 101\n2 2 1 010\n", goodPaths},
		{"bad test header", "3\n0 0 1 01z\n1 1 1 101\n2 2 1 010\n", goodPaths},
		{"missing assignment", "3\n0 0 1 010\n1 1 1 101\n", goodPaths},
		{"path field count", goodSwitches, "10002 0101\n"},
		{"unknown rule", goodSwitches, "10002|10009 0101 010\n"},
		{"host rule", goodSwitches, "10006 0101 010\n"},
		{"bad path", goodSwitches, "10002|| 0101 010\n"},
		{"bad packet header", goodSwitches, "10002 01q1 010\n"},
		{"duplicate path", goodSwitches, goodPaths + goodPaths},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := store.Parse(strings.NewReader(tt.switches), strings.NewReader(tt.paths), tp)
			if !errors.Is(err, store.ErrMalformedHeaderStore) {
				t.Errorf("Parse error = %v, want ErrMalformedHeaderStore", err)
			}
		})
	}
}

func TestFiles(t *testing.T) {
	t.Parallel()

	sw, p := store.Files("/var/lib/voyager", "topos/demo.topo")
	if sw != "/var/lib/voyager/demo.switch.store" || p != "/var/lib/voyager/demo.path.store" {
		t.Errorf("Files = %q, %q", sw, p)
	}
}
