// Package store parses the header-assignment files computed offline next to
// the rule table: the per-switch report headers and the per-path probe
// headers.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dantte-lp/voyager/internal/topo"
)

// ErrMalformedHeaderStore indicates a store file that cannot be parsed or
// that references switches or rules absent from the topology.
var ErrMalformedHeaderStore = errors.New("malformed header store")

// maxMaskLen is the widest marker field (the custom IPv6-sized field).
const maxMaskLen = 128

// File name suffixes next to the topology base name.
const (
	switchSuffix = ".switch.store"
	pathSuffix   = ".path.store"
	topoSuffix   = ".topo"
)

// Assignment positions a switch's report bit inside the global mask.
type Assignment struct {
	MaskBit int
	Value   int
}

// PathHeaders is a precomputed probe for one rule-path.
type PathHeaders struct {
	Path RulePath

	// Packet is the bit-string header that triggers the path.
	Packet string

	// Test is the bit-string marker the terminal switch's report rule matches.
	Test string
}

// Store holds the parsed header assignments.
type Store struct {
	topo *topo.Topology

	maskLen       int
	assignments   map[uint64]Assignment
	switchHeaders map[uint64]string

	paths  []PathHeaders
	byPath map[string]int
}

// Files returns the switch-store and path-store file names for a topology
// file name, e.g. "demo.topo" -> "demo.switch.store", "demo.path.store".
func Files(dir, topoFile string) (string, string) {
	base := strings.TrimSuffix(filepath.Base(topoFile), topoSuffix)
	return filepath.Join(dir, base+switchSuffix), filepath.Join(dir, base+pathSuffix)
}

// Load opens both store files for topoFile under dir and parses them.
func Load(dir, topoFile string, t *topo.Topology) (*Store, error) {
	switchPath, pathPath := Files(dir, topoFile)

	sf, err := os.Open(switchPath)
	if err != nil {
		return nil, fmt.Errorf("open switch store: %w", err)
	}
	defer sf.Close()

	pf, err := os.Open(pathPath)
	if err != nil {
		return nil, fmt.Errorf("open path store: %w", err)
	}
	defer pf.Close()

	s, err := Parse(sf, pf, t)
	if err != nil {
		return nil, fmt.Errorf("parse store %s: %w", switchPath, err)
	}
	return s, nil
}

// Parse reads the switch store and the path store and validates them
// against t.
func Parse(switchR, pathR io.Reader, t *topo.Topology) (*Store, error) {
	s := &Store{
		topo:          t,
		assignments:   make(map[uint64]Assignment),
		switchHeaders: make(map[uint64]string),
		byPath:        make(map[string]int),
	}
	if err := s.parseSwitches(switchR); err != nil {
		return nil, err
	}
	if err := s.parsePaths(pathR); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) parseSwitches(r io.Reader) error {
	sc := bufio.NewScanner(r)
	line := 0
	header := true

	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		if header {
			header = false
			n, err := strconv.Atoi(fields[0])
			if err != nil || len(fields) != 1 || n < 1 || n > maxMaskLen {
				return malformed("switch store", line, "mask length %q", sc.Text())
			}
			s.maskLen = n
			continue
		}

		if len(fields) != 4 {
			return malformed("switch store", line, "want 4 fields, got %d", len(fields))
		}
		var nums [3]int
		for i := range nums {
			v, err := strconv.Atoi(fields[i])
			if err != nil {
				return malformed("switch store", line, "field %q is not an integer", fields[i])
			}
			nums[i] = v
		}
		sid, maskBit, value := nums[0], nums[1], nums[2]

		if sid < 0 {
			return malformed("switch store", line, "switch %d", sid)
		}
		dpid := topo.DPID(sid)
		if _, ok := s.topo.Switch(dpid); !ok {
			return malformed("switch store", line, "unknown switch %d", sid)
		}
		if _, dup := s.assignments[dpid]; dup {
			return malformed("switch store", line, "duplicate switch %d", sid)
		}
		if maskBit < 0 || maskBit >= s.maskLen {
			return malformed("switch store", line, "mask bit %d outside mask length %d", maskBit, s.maskLen)
		}
		if value != 0 && value != 1 {
			return malformed("switch store", line, "value %d is not a bit", value)
		}
		if !topo.ValidBits(fields[3]) {
			return malformed("switch store", line, "test header %q", fields[3])
		}

		s.assignments[dpid] = Assignment{MaskBit: maskBit, Value: value}
		s.switchHeaders[dpid] = fields[3]
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read switch store: %w", err)
	}
	if header {
		return malformed("switch store", line, "missing mask length")
	}

	for _, sw := range s.topo.Switches() {
		if _, ok := s.assignments[sw.DPID]; !ok {
			return fmt.Errorf("switch store: no assignment for switch %d: %w", sw.ID, ErrMalformedHeaderStore)
		}
	}
	return nil
}

func (s *Store) parsePaths(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0

	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return malformed("path store", line, "want 3 fields, got %d", len(fields))
		}

		p, err := ParseRulePath(fields[0])
		if err != nil {
			return malformed("path store", line, "%v", err)
		}
		for _, id := range p {
			if _, ok := s.topo.Rule(id); !ok {
				return malformed("path store", line, "path %s references unknown rule %d", p, id)
			}
		}
		key := p.String()
		if _, dup := s.byPath[key]; dup {
			return malformed("path store", line, "duplicate path %s", key)
		}
		if !topo.ValidBits(fields[1]) || !topo.ValidBits(fields[2]) {
			return malformed("path store", line, "headers %q %q", fields[1], fields[2])
		}

		s.byPath[key] = len(s.paths)
		s.paths = append(s.paths, PathHeaders{Path: p, Packet: fields[1], Test: fields[2]})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read path store: %w", err)
	}
	return nil
}

func malformed(file string, line int, format string, args ...any) error {
	return fmt.Errorf("%s line %d: %s: %w", file, line, fmt.Sprintf(format, args...), ErrMalformedHeaderStore)
}

// -------------------------------------------------------------------------
// Lookups
// -------------------------------------------------------------------------

// MaskLen returns the global report mask length.
func (s *Store) MaskLen() int { return s.maskLen }

// Assignment returns the report bit assignment of dpid.
func (s *Store) Assignment(dpid uint64) (Assignment, bool) {
	a, ok := s.assignments[dpid]
	return a, ok
}

// ReportBits returns the value and mask bit strings of the report header
// for dpid. Both are MaskLen symbols long with a single mask bit set.
func (s *Store) ReportBits(dpid uint64) (string, string, bool) {
	a, ok := s.assignments[dpid]
	if !ok {
		return "", "", false
	}
	high := strings.Repeat("0", s.maskLen-a.MaskBit-1)
	low := strings.Repeat("0", a.MaskBit)
	return high + strconv.Itoa(a.Value) + low, high + "1" + low, true
}

// SwitchTestHeader returns the fallback test header for single-rule probes
// launched at dpid.
func (s *Store) SwitchTestHeader(dpid uint64) (string, bool) {
	h, ok := s.switchHeaders[dpid]
	return h, ok
}

// Paths returns the precomputed paths in file order.
func (s *Store) Paths() []PathHeaders {
	out := make([]PathHeaders, len(s.paths))
	copy(out, s.paths)
	return out
}

// Path returns the precomputed headers for p.
func (s *Store) Path(p RulePath) (PathHeaders, bool) {
	idx, ok := s.byPath[p.String()]
	if !ok {
		return PathHeaders{}, false
	}
	return s.paths[idx], true
}

// Headers resolves the packet and test headers for p. Precomputed headers
// win; otherwise p must be a single rule and the rule's own header is used
// with the test header of its switch.
func (s *Store) Headers(p RulePath) (PathHeaders, bool, error) {
	if ph, ok := s.Path(p); ok {
		return ph, true, nil
	}
	if len(p) != 1 {
		return PathHeaders{}, false, fmt.Errorf("path %s has no precomputed headers: %w", p, ErrMalformedHeaderStore)
	}
	rule, ok := s.topo.Rule(p.First())
	if !ok {
		return PathHeaders{}, false, fmt.Errorf("path %s: unknown rule: %w", p, ErrMalformedHeaderStore)
	}
	test, ok := s.switchHeaders[rule.Switch]
	if !ok {
		return PathHeaders{}, false, fmt.Errorf("path %s: no test header for switch %d: %w",
			p, rule.Switch, ErrMalformedHeaderStore)
	}
	return PathHeaders{Path: p, Packet: rule.Header, Test: test}, false, nil
}

// Covered returns the set of rule ids that appear in any precomputed path.
func (s *Store) Covered() map[int]struct{} {
	out := make(map[int]struct{})
	for _, ph := range s.paths {
		for _, id := range ph.Path {
			out[id] = struct{}{}
		}
	}
	return out
}
