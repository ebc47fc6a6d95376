package topo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
)

// ErrMalformedTopology indicates the rule-table file disagrees with its own
// declared counts or carries unparseable fields.
var ErrMalformedTopology = errors.New("malformed topology")

// Port numbers after remapping.
const (
	// PortUnreachable is the output port of a negative-test rule. The file
	// spells it -1; zero is never a valid remapped port.
	PortUnreachable uint32 = 0

	// PortHost is the remapped end-host port.
	PortHost uint32 = rawPortHost + 1

	rawPortHost        = 1000
	rawPortUnreachable = -1
)

// DPID maps a switch id from the rule-table file to its datapath id.
func DPID(sid int) uint64 {
	return uint64(sid) + 1 //nolint:gosec // G115: sid validated non-negative
}

// Rule is one forwarding rule: in_port + destination prefix -> out_port.
type Rule struct {
	ID int

	// Switch is the datapath id of the owning switch.
	Switch uint64

	Prefix netip.Prefix

	// Header is the bit-string form of Prefix ('x' for host bits).
	Header string

	InPort   uint32
	OutPort  uint32
	Priority uint16
}

// Negative reports whether the rule deliberately drops traffic.
func (r *Rule) Negative() bool { return r.OutPort == PortUnreachable }

// Switch is a node of the topology.
type Switch struct {
	// ID is the switch id used by the rule-table and store files.
	ID   int
	DPID uint64

	// Neighbors holds neighbor datapath ids in file order.
	Neighbors []uint64

	// Rules holds the ids of the rules owned by this switch in file order.
	Rules []int
}

// Topology is the immutable switch/rule model for a campaign.
type Topology struct {
	switches map[uint64]*Switch
	order    []uint64
	rules    map[int]*Rule
	ruleIDs  []int

	// hostRules counts rules delivering to end hosts. They are not probe
	// targets and are kept out of the model.
	hostRules int
}

// Load parses the rule-table file at path.
func Load(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology %s: %w", path, err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	return t, nil
}

// Parse reads the rule-table format:
//
//	N
//	sid nb1 nb2 ...        (N lines)
//	sid ruleCount          (N blocks, each followed by ruleCount lines)
//	ruleId prefix inPort outPort priority
func Parse(r io.Reader) (*Topology, error) {
	lr := newLineReader(r)
	t := &Topology{
		switches: make(map[uint64]*Switch),
		rules:    make(map[int]*Rule),
	}

	fields, err := lr.next(1)
	if err != nil {
		return nil, err
	}
	n, err := lr.atoi(fields[0], "switch count")
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, lr.errorf("switch count %d", n)
	}

	if err := t.parseAdjacency(lr, n); err != nil {
		return nil, err
	}
	if err := t.checkNeighbors(); err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool, n)
	for range n {
		if err := t.parseRuleBlock(lr, seen); err != nil {
			return nil, err
		}
	}

	if extra, err := lr.next(1); err == nil {
		return nil, lr.errorf("trailing data %q after %d rule blocks", strings.Join(extra, " "), n)
	}

	slices.Sort(t.order)
	slices.Sort(t.ruleIDs)
	return t, nil
}

func (t *Topology) parseAdjacency(lr *lineReader, n int) error {
	for range n {
		fields, err := lr.next(1)
		if err != nil {
			return err
		}
		ids := make([]int, len(fields))
		for i, f := range fields {
			if ids[i], err = lr.atoi(f, "switch id"); err != nil {
				return err
			}
			if ids[i] < 0 {
				return lr.errorf("negative switch id %d", ids[i])
			}
		}
		dpid := DPID(ids[0])
		if _, dup := t.switches[dpid]; dup {
			return lr.errorf("duplicate switch %d", ids[0])
		}
		sw := &Switch{ID: ids[0], DPID: dpid}
		for _, nb := range ids[1:] {
			sw.Neighbors = append(sw.Neighbors, DPID(nb))
		}
		t.switches[dpid] = sw
		t.order = append(t.order, dpid)
	}
	return nil
}

func (t *Topology) checkNeighbors() error {
	for _, dpid := range t.order {
		sw := t.switches[dpid]
		for _, nb := range sw.Neighbors {
			if _, ok := t.switches[nb]; !ok {
				return fmt.Errorf("switch %d lists undeclared neighbor %d: %w",
					sw.ID, nb-1, ErrMalformedTopology)
			}
		}
	}
	return nil
}

func (t *Topology) parseRuleBlock(lr *lineReader, seen map[uint64]bool) error {
	fields, err := lr.next(2)
	if err != nil {
		return err
	}
	if len(fields) != 2 {
		return lr.errorf("rule block header wants 2 fields, got %d", len(fields))
	}
	sid, err := lr.atoi(fields[0], "switch id")
	if err != nil {
		return err
	}
	count, err := lr.atoi(fields[1], "rule count")
	if err != nil {
		return err
	}
	if sid < 0 || count < 0 {
		return lr.errorf("rule block %d %d", sid, count)
	}

	sw, ok := t.switches[DPID(sid)]
	if !ok {
		return lr.errorf("rule block for undeclared switch %d", sid)
	}
	if seen[sw.DPID] {
		return lr.errorf("second rule block for switch %d", sid)
	}
	seen[sw.DPID] = true

	for range count {
		rule, host, err := t.parseRule(lr, sw)
		if err != nil {
			return err
		}
		if host {
			t.hostRules++
			continue
		}
		t.rules[rule.ID] = rule
		t.ruleIDs = append(t.ruleIDs, rule.ID)
		sw.Rules = append(sw.Rules, rule.ID)
	}
	return nil
}

// parseRule reads one rule line. host is true for rules delivering to the
// end host, which are validated but not returned.
func (t *Topology) parseRule(lr *lineReader, sw *Switch) (*Rule, bool, error) {
	fields, err := lr.next(5)
	if err != nil {
		return nil, false, err
	}
	if len(fields) != 5 {
		return nil, false, lr.errorf("rule wants 5 fields, got %d", len(fields))
	}

	nums := make([]int, 0, 4)
	for _, idx := range []int{0, 2, 3, 4} {
		v, err := lr.atoi(fields[idx], "rule field")
		if err != nil {
			return nil, false, err
		}
		nums = append(nums, v)
	}
	id, inRaw, outRaw, prio := nums[0], nums[1], nums[2], nums[3]

	if _, dup := t.rules[id]; dup {
		return nil, false, lr.errorf("duplicate rule id %d", id)
	}
	if prio < 0 || prio >= math.MaxUint16 {
		return nil, false, lr.errorf("rule %d priority %d out of range", id, prio)
	}

	prefix, err := parsePrefix(fields[1])
	if err != nil {
		return nil, false, lr.errorf("rule %d prefix %q: %v", id, fields[1], err)
	}

	inPort, err := t.mapPort(sw, inRaw, false)
	if err != nil {
		return nil, false, lr.errorf("rule %d in_port: %v", id, err)
	}
	outPort, err := t.mapPort(sw, outRaw, true)
	if err != nil {
		return nil, false, lr.errorf("rule %d out_port: %v", id, err)
	}
	if outPort == PortHost {
		return nil, true, nil
	}

	return &Rule{
		ID:       id,
		Switch:   sw.DPID,
		Prefix:   prefix,
		Header:   PrefixHeader(prefix),
		InPort:   inPort,
		OutPort:  outPort,
		Priority: uint16(prio), //nolint:gosec // G115: range checked above
	}, false, nil
}

// mapPort validates a raw port against the switch adjacency and remaps it.
func (t *Topology) mapPort(sw *Switch, raw int, out bool) (uint32, error) {
	switch {
	case raw == rawPortHost:
		return PortHost, nil
	case raw == rawPortUnreachable && out:
		return PortUnreachable, nil
	case raw < 0:
		return 0, fmt.Errorf("port %d", raw)
	}
	dpid := DPID(raw)
	if !slices.Contains(sw.Neighbors, dpid) {
		return 0, fmt.Errorf("port %d is not a neighbor of switch %d", raw, sw.ID)
	}
	return uint32(dpid), nil //nolint:gosec // G115: switch ids fit uint32
}

// parsePrefix accepts "a.b.c.d/len" or a bare address (treated as /32).
func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		s = addr.String() + "/32"
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, errors.New("not an IPv4 prefix")
	}
	return p, nil
}

// -------------------------------------------------------------------------
// Lookups
// -------------------------------------------------------------------------

// Switch returns the switch with the given datapath id.
func (t *Topology) Switch(dpid uint64) (*Switch, bool) {
	sw, ok := t.switches[dpid]
	return sw, ok
}

// Switches returns every switch ordered by datapath id.
func (t *Topology) Switches() []*Switch {
	out := make([]*Switch, 0, len(t.order))
	for _, dpid := range t.order {
		out = append(out, t.switches[dpid])
	}
	return out
}

// NumSwitches returns the number of switches.
func (t *Topology) NumSwitches() int { return len(t.order) }

// Neighbors returns the neighbor datapath ids of dpid.
func (t *Topology) Neighbors(dpid uint64) []uint64 {
	sw, ok := t.switches[dpid]
	if !ok {
		return nil
	}
	return slices.Clone(sw.Neighbors)
}

// Adjacent reports whether a and b share a link.
func (t *Topology) Adjacent(a, b uint64) bool {
	sw, ok := t.switches[a]
	return ok && slices.Contains(sw.Neighbors, b)
}

// Rule returns the rule with the given id.
func (t *Topology) Rule(id int) (*Rule, bool) {
	r, ok := t.rules[id]
	return r, ok
}

// RulesOf returns the rules owned by dpid in file order.
func (t *Topology) RulesOf(dpid uint64) []*Rule {
	sw, ok := t.switches[dpid]
	if !ok {
		return nil
	}
	out := make([]*Rule, 0, len(sw.Rules))
	for _, id := range sw.Rules {
		out = append(out, t.rules[id])
	}
	return out
}

// NumRules returns the number of probe-able rules.
func (t *Topology) NumRules() int { return len(t.ruleIDs) }

// RuleIDs returns every rule id in ascending order.
func (t *Topology) RuleIDs() []int { return slices.Clone(t.ruleIDs) }

// HostRules returns how many end-host delivery rules were skipped.
func (t *Topology) HostRules() int { return t.hostRules }

// -------------------------------------------------------------------------
// Line reader
// -------------------------------------------------------------------------

// lineReader yields whitespace-split, non-empty lines and tracks the line
// number for error messages.
type lineReader struct {
	sc   *bufio.Scanner
	line int
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineReader{sc: sc}
}

// next returns the fields of the next non-empty line, failing if it has
// fewer than minFields.
func (lr *lineReader) next(minFields int) ([]string, error) {
	for lr.sc.Scan() {
		lr.line++
		fields := strings.Fields(lr.sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < minFields {
			return nil, lr.errorf("want at least %d fields, got %d", minFields, len(fields))
		}
		return fields, nil
	}
	if err := lr.sc.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", lr.line+1, err)
	}
	return nil, fmt.Errorf("unexpected end of file after line %d: %w", lr.line, ErrMalformedTopology)
}

func (lr *lineReader) atoi(s, what string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, lr.errorf("%s %q is not an integer", what, s)
	}
	return v, nil
}

func (lr *lineReader) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s: %w", lr.line, fmt.Sprintf(format, args...), ErrMalformedTopology)
}
