package topo_test

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/voyager/internal/topo"
)

const line3Path = "../../testdata/topo/line3.topo"

func TestLoadLine3(t *testing.T) {
	t.Parallel()

	tp, err := topo.Load(line3Path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if tp.NumSwitches() != 3 {
		t.Errorf("NumSwitches = %d, want 3", tp.NumSwitches())
	}
	// 10006 delivers to the host and is dropped.
	if tp.NumRules() != 5 {
		t.Errorf("NumRules = %d, want 5", tp.NumRules())
	}
	if tp.HostRules() != 1 {
		t.Errorf("HostRules = %d, want 1", tp.HostRules())
	}
	if diff := cmp.Diff([]int{10001, 10002, 10003, 10004, 10005}, tp.RuleIDs()); diff != "" {
		t.Errorf("RuleIDs mismatch (-want +got):\n%s", diff)
	}

	// Switch ids are remapped to sid+1.
	if diff := cmp.Diff([]uint64{1, 3}, tp.Neighbors(2)); diff != "" {
		t.Errorf("Neighbors(2) mismatch (-want +got):\n%s", diff)
	}
	if !tp.Adjacent(1, 2) || tp.Adjacent(1, 3) {
		t.Error("Adjacent disagrees with the line topology")
	}

	r, ok := tp.Rule(10003)
	if !ok {
		t.Fatal("Rule(10003) not found")
	}
	want := topo.Rule{
		ID:       10003,
		Switch:   2,
		Prefix:   netip.MustParsePrefix("10.0.2.0/24"),
		Header:   "000010100000000000000010xxxxxxxx",
		InPort:   1,
		OutPort:  3,
		Priority: 8000,
	}
	if diff := cmp.Diff(want, *r, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Errorf("Rule(10003) mismatch (-want +got):\n%s", diff)
	}

	r, _ = tp.Rule(10001)
	if r.InPort != topo.PortHost {
		t.Errorf("host in_port = %d, want %d", r.InPort, topo.PortHost)
	}

	var ids []int
	for _, rule := range tp.RulesOf(3) {
		ids = append(ids, rule.ID)
	}
	if diff := cmp.Diff([]int{10005}, ids); diff != "" {
		t.Errorf("RulesOf(3) mismatch (-want +got):\n%s", diff)
	}
}

func TestParseNegativeRule(t *testing.T) {
	t.Parallel()

	in := `2
0 1
1 0
0 1
7 10.0.9.0/24 1000 -1 10
1 0
`
	tp, err := topo.Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, _ := tp.Rule(7)
	if !r.Negative() {
		t.Errorf("rule 7 OutPort = %d, want unreachable", r.OutPort)
	}
}

func TestParseBarePrefix(t *testing.T) {
	t.Parallel()

	in := "1\n0\n0 1\n1 10.0.0.7 1000 -1 1\n"
	tp, err := topo.Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, _ := tp.Rule(1)
	if r.Prefix.Bits() != 32 {
		t.Errorf("bare address prefix bits = %d, want 32", r.Prefix.Bits())
	}
	if strings.ContainsRune(r.Header, topo.Wildcard) {
		t.Errorf("header %q has wildcards for a /32", r.Header)
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"bad count", "x\n"},
		{"missing adjacency", "2\n0 1\n"},
		{"undeclared neighbor", "1\n0 5\n0 0\n"},
		{"duplicate switch", "2\n0\n0\n0 0\n0 0\n"},
		{"short rule block", "1\n0\n0 2\n1 10.0.0.0/24 1000 -1 1\n"},
		{"rule field count", "1\n0\n0 1\n1 10.0.0.0/24 1000 -1\n"},
		{"bad prefix", "1\n0\n0 1\n1 10.0.0/33 1000 -1 1\n"},
		{"port not neighbor", "2\n0\n1\n0 1\n1 10.0.0.0/24 1000 1 1\n1 0\n"},
		{"duplicate rule", "1\n0\n0 2\n1 10.0.0.0/24 1000 -1 1\n1 10.0.1.0/24 1000 -1 2\n"},
		{"priority range", "1\n0\n0 1\n1 10.0.0.0/24 1000 -1 65535\n"},
		{"block for unknown switch", "1\n0\n4 0\n"},
		{"trailing data", "1\n0\n0 0\n9 9\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := topo.Parse(strings.NewReader(tt.in))
			if !errors.Is(err, topo.ErrMalformedTopology) {
				t.Errorf("Parse error = %v, want ErrMalformedTopology", err)
			}
		})
	}
}

func TestBits(t *testing.T) {
	t.Parallel()

	v4, err := topo.BitsToIPv4("100")
	if err != nil {
		t.Fatalf("BitsToIPv4: %v", err)
	}
	if v4 != netip.MustParseAddr("0.0.0.4") {
		t.Errorf("BitsToIPv4(100) = %s, want 0.0.0.4", v4)
	}

	v4, err = topo.BitsToIPv4("000010100000000000000010xxxxxxxx")
	if err != nil {
		t.Fatalf("BitsToIPv4: %v", err)
	}
	if v4 != netip.MustParseAddr("10.0.2.0") {
		t.Errorf("wildcards read as zero: got %s, want 10.0.2.0", v4)
	}

	v6, err := topo.BitsToIPv6("1" + strings.Repeat("0", 16))
	if err != nil {
		t.Fatalf("BitsToIPv6: %v", err)
	}
	if v6 != netip.MustParseAddr("::1:0") {
		t.Errorf("BitsToIPv6 = %s, want ::1:0", v6)
	}

	for _, bad := range []string{"", "012", strings.Repeat("1", 33)} {
		if _, err := topo.BitsToIPv4(bad); !errors.Is(err, topo.ErrInvalidBits) {
			t.Errorf("BitsToIPv4(%q) error = %v, want ErrInvalidBits", bad, err)
		}
	}

	if got := topo.PrefixHeader(netip.MustParsePrefix("192.168.1.0/24")); got != "110000001010100000000001xxxxxxxx" {
		t.Errorf("PrefixHeader = %q", got)
	}
}
