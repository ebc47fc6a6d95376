// Package probe builds the packets that exercise rule-paths and decodes the
// tag carried by reported packets.
package probe

import (
	"fmt"

	"github.com/dantte-lp/voyager/internal/flow"
	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
)

// Probe is a built test packet and its launch point.
type Probe struct {
	ID   uint64
	Path store.RulePath

	// Switch and InPort locate the first rule of the path.
	Switch uint64
	InPort uint32

	// Expected is the switch whose report rule should catch the probe.
	// Zero for negative probes.
	Expected uint64

	// Negative is set when the last rule drops traffic; such a probe passes
	// by not being reported.
	Negative bool

	// Precomputed tells whether the headers came from the path store.
	Precomputed bool

	Data []byte
}

// Synthesizer builds probes for one topology and header store.
type Synthesizer struct {
	topo   *topo.Topology
	store  *store.Store
	marker flow.Marker
}

// NewSynthesizer returns a Synthesizer writing the test header into the
// field selected by marker.
func NewSynthesizer(t *topo.Topology, s *store.Store, marker flow.Marker) *Synthesizer {
	return &Synthesizer{topo: t, store: s, marker: marker}
}

// Build resolves the launch point and headers of path and serializes the
// probe with the given id.
func (s *Synthesizer) Build(path store.RulePath, id uint64) (Probe, error) {
	if len(path) == 0 {
		return Probe{}, fmt.Errorf("build probe %d: %w", id, store.ErrInvalidRulePath)
	}
	first, ok := s.topo.Rule(path.First())
	if !ok {
		return Probe{}, fmt.Errorf("build probe %d: unknown rule %d: %w", id, path.First(), store.ErrMalformedHeaderStore)
	}
	last, ok := s.topo.Rule(path.Last())
	if !ok {
		return Probe{}, fmt.Errorf("build probe %d: unknown rule %d: %w", id, path.Last(), store.ErrMalformedHeaderStore)
	}

	hdr, precomputed, err := s.store.Headers(path)
	if err != nil {
		return Probe{}, fmt.Errorf("build probe %d: %w", id, err)
	}
	data, err := Encode(hdr.Packet, hdr.Test, s.marker, id)
	if err != nil {
		return Probe{}, fmt.Errorf("build probe %d for %s: %w", id, path, err)
	}

	p := Probe{
		ID:          id,
		Path:        path,
		Switch:      first.Switch,
		InPort:      first.InPort,
		Negative:    last.Negative(),
		Precomputed: precomputed,
		Data:        data,
	}
	if !p.Negative {
		// Ports are numbered after the neighbor behind them.
		p.Expected = uint64(last.OutPort)
	}
	return p, nil
}

// Marker returns the marker mode probes are built with.
func (s *Synthesizer) Marker() flow.Marker { return s.marker }
