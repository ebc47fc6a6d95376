package voyager_test

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/voyager/internal/flow"
	"github.com/dantte-lp/voyager/internal/probe"
	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
	"github.com/dantte-lp/voyager/internal/voyager"
)

// TestMain checks for goroutine leaks after all tests complete.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -------------------------------------------------------------------------
// Fixtures
// -------------------------------------------------------------------------

type fixture struct {
	topo     string
	switches string
	paths    string
}

// twoSwitch has one length-2 path: 10001 on switch 0 sends host traffic to
// switch 1, whose 10002 sends it back to switch 0.
var twoSwitch = fixture{
	topo: `2
0 1
1 0
0 1
10001 10.0.1.0/24 1000 1 8000
1 1
10002 10.0.1.0/24 0 0 8000
`,
	switches: "2\n0 0 1 10\n1 1 1 01\n",
	paths:    "10001|10002 000010100000000000000001xxxxxxxx 01\n",
}

// twoSwitchNoPaths probes both rules one by one in round 1.
var twoSwitchNoPaths = fixture{
	topo:     twoSwitch.topo,
	switches: twoSwitch.switches,
}

// fork shares rule 1 between the paths 1|2 and 1|3.
var fork = fixture{
	topo: `3
0 1
1 0 2
2 1
0 1
1 10.0.0.0/16 1000 1 10
1 2
2 10.0.0.0/24 0 2 10
3 10.0.1.0/24 0 0 10
2 0
`,
	switches: "3\n0 0 1 010\n1 1 1 101\n2 2 1 010\n",
	paths: "1|2 00001010000000000000000000000000 100\n" +
		"1|3 00001010000000000000000100000000 001\n",
}

// negatives holds two rules that drop host traffic.
var negatives = fixture{
	topo: `2
0 1
1 0
0 1
7 10.0.9.0/24 1000 -1 10
1 1
8 10.0.8.0/24 1000 -1 10
`,
	switches: "2\n0 0 1 10\n1 1 1 01\n",
}

func (f fixture) load(t *testing.T) (*topo.Topology, *store.Store) {
	t.Helper()

	tp, err := topo.Parse(strings.NewReader(f.topo))
	if err != nil {
		t.Fatalf("topo.Parse: %v", err)
	}
	s, err := store.Parse(strings.NewReader(f.switches), strings.NewReader(f.paths), tp)
	if err != nil {
		t.Fatalf("store.Parse: %v", err)
	}
	return tp, s
}

// -------------------------------------------------------------------------
// Dataplanes
// -------------------------------------------------------------------------

// tables keeps installed entries per switch.
type tables struct {
	mu       sync.Mutex
	forward  map[uint64][]flow.Entry
	reports  map[uint64]flow.Match
	installs int
	resets   int
}

func newTables() tables {
	return tables{forward: make(map[uint64][]flow.Entry), reports: make(map[uint64]flow.Match)}
}

func (tb *tables) InstallRule(_ context.Context, dpid uint64, e flow.Entry) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.forward[dpid] = append(tb.forward[dpid], e)
	tb.installs++
	return nil
}

func (tb *tables) InstallReportRule(_ context.Context, dpid uint64, _ uint16, m flow.Match) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.reports[dpid] = m
	tb.installs++
	return nil
}

func (tb *tables) ResetAllRules(_ context.Context, dpid uint64) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.forward, dpid)
	delete(tb.reports, dpid)
	tb.resets++
	return nil
}

// oracleDataplane walks probes through the installed forward entries and
// reports them at the first switch after the launch hop whose report rule
// matches. Skipping the report rule at the launch hop lets a path return to
// its own first switch, which two-switch topologies need.
type oracleDataplane struct {
	tables

	ctrl  *voyager.Controller
	delay time.Duration
}

func newOracle() *oracleDataplane {
	return &oracleDataplane{tables: newTables()}
}

func (d *oracleDataplane) InjectPacket(_ context.Context, dpid uint64, inPort uint32, data []byte) error {
	reporter, ok := d.route(dpid, inPort, data)
	if !ok {
		return nil
	}
	if d.delay > 0 {
		time.AfterFunc(d.delay, func() { d.ctrl.PacketIn(reporter, data) })
		return nil
	}
	d.ctrl.PacketIn(reporter, data)
	return nil
}

func (d *oracleDataplane) route(dpid uint64, inPort uint32, data []byte) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for hop := range 16 {
		h, err := probe.ParseHeaders(data, inPort)
		if err != nil {
			return 0, false
		}
		if report, ok := d.reports[dpid]; ok && hop > 0 && report.Matches(h) {
			return dpid, true
		}

		var best *flow.Entry
		for i, e := range d.forward[dpid] {
			if e.Match.Matches(h) && (best == nil || e.Priority > best.Priority) {
				best = &d.forward[dpid][i]
			}
		}
		if best == nil || best.OutPort == topo.PortUnreachable || best.OutPort == topo.PortHost {
			return 0, false
		}
		inPort = uint32(dpid) //nolint:gosec // G115: test dpids are tiny
		dpid = uint64(best.OutPort)
	}
	return 0, false
}

// manualDataplane records injected probes; tests deliver reports by hand.
type manualDataplane struct {
	tables

	injMu    sync.Mutex
	injected map[uint64][]byte
	order    []uint64
}

func newManual() *manualDataplane {
	return &manualDataplane{tables: newTables(), injected: make(map[uint64][]byte)}
}

func (d *manualDataplane) InjectPacket(_ context.Context, _ uint64, _ uint32, data []byte) error {
	id, err := probe.DecodeTag(data)
	if err != nil {
		return err
	}
	d.injMu.Lock()
	defer d.injMu.Unlock()
	d.injected[id] = data
	d.order = append(d.order, id)
	return nil
}

func (d *manualDataplane) data(t *testing.T, id uint64) []byte {
	t.Helper()
	d.injMu.Lock()
	defer d.injMu.Unlock()
	data, ok := d.injected[id]
	if !ok {
		t.Fatalf("probe %d was never injected (injected %v)", id, d.order)
	}
	return data
}

func (d *manualDataplane) injectedIDs() []uint64 {
	d.injMu.Lock()
	defer d.injMu.Unlock()
	return append([]uint64(nil), d.order...)
}

// -------------------------------------------------------------------------
// Controller harness
// -------------------------------------------------------------------------

type campaignResult struct {
	res voyager.Result
	err error
}

// startController runs a connected controller until the returned stop
// function is called. Call it inside a synctest bubble.
func startController(
	t *testing.T,
	tp *topo.Topology,
	s *store.Store,
	dp flow.Dataplane,
	opts ...voyager.Option,
) (*voyager.Controller, func()) {
	t.Helper()

	c, err := voyager.New(tp, s, dp, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("voyager.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for _, sw := range tp.Switches() {
		c.SwitchConnected(sw.DPID)
	}

	return c, func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// runAsync starts a campaign in the background.
func runAsync(ctx context.Context, c *voyager.Controller, faulty topo.RuleSet) <-chan campaignResult {
	ch := make(chan campaignResult, 1)
	go func() {
		res, err := c.RunCampaign(ctx, faulty)
		ch <- campaignResult{res: res, err: err}
	}()
	return ch
}
