// Package flow models the OpenFlow-style entries pushed to switches and
// installs a campaign's rule set through a Dataplane.
package flow

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/dantte-lp/voyager/internal/topo"
)

// EthTypeIPv4 is the only ethertype the rule tables match.
const EthTypeIPv4 uint16 = 0x0800

// IPProtoMarker is the IPv4 protocol number that announces a custom marker
// field right after the IPv4 header.
const IPProtoMarker uint8 = 192

// Field is a bit in the presence mask of a Match.
type Field uint8

// Match fields.
const (
	FieldInPort Field = 1 << iota
	FieldEthType
	FieldIPv4Dst
	FieldIPv4Src
	FieldIPProto
	FieldMarker
)

var fieldNames = []struct {
	f    Field
	name string
}{
	{FieldInPort, "in_port"},
	{FieldEthType, "eth_type"},
	{FieldIPv4Dst, "ipv4_dst"},
	{FieldIPv4Src, "ipv4_src"},
	{FieldIPProto, "ip_proto"},
	{FieldMarker, "marker"},
}

// MaskedAddr is an address matched under an arbitrary bit mask.
type MaskedAddr struct {
	Value netip.Addr
	Mask  netip.Addr
}

// MaskedFromBits builds a MaskedAddr from bit strings as stored in the
// header store. v6 selects the 128-bit marker width.
func MaskedFromBits(value, mask string, v6 bool) (MaskedAddr, error) {
	conv := topo.BitsToIPv4
	if v6 {
		conv = topo.BitsToIPv6
	}
	v, err := conv(value)
	if err != nil {
		return MaskedAddr{}, fmt.Errorf("value: %w", err)
	}
	m, err := conv(mask)
	if err != nil {
		return MaskedAddr{}, fmt.Errorf("mask: %w", err)
	}
	return MaskedAddr{Value: v, Mask: m}, nil
}

// Contains reports whether a agrees with Value on every bit set in Mask.
func (m MaskedAddr) Contains(a netip.Addr) bool {
	if !a.IsValid() || a.BitLen() != m.Value.BitLen() {
		return false
	}
	ab, vb, mb := a.AsSlice(), m.Value.AsSlice(), m.Mask.AsSlice()
	for i := range ab {
		if ab[i]&mb[i] != vb[i]&mb[i] {
			return false
		}
	}
	return true
}

func (m MaskedAddr) String() string {
	return m.Value.String() + "/" + m.Mask.String()
}

// Match is the fixed set of fields a flow entry can match on. Absent fields
// are wildcards. Build one with NewMatch and the With methods.
type Match struct {
	fields Field

	InPort  uint32
	EthType uint16
	IPv4Dst netip.Prefix
	IPv4Src MaskedAddr
	IPProto uint8
	Marker  MaskedAddr
}

// NewMatch returns a match-everything Match.
func NewMatch() Match { return Match{} }

// WithInPort matches the ingress port.
func (m Match) WithInPort(port uint32) Match {
	m.InPort = port
	m.fields |= FieldInPort
	return m
}

// WithEthType matches the ethertype.
func (m Match) WithEthType(t uint16) Match {
	m.EthType = t
	m.fields |= FieldEthType
	return m
}

// WithIPv4Dst matches the destination address against a prefix.
func (m Match) WithIPv4Dst(p netip.Prefix) Match {
	m.IPv4Dst = p.Masked()
	m.fields |= FieldIPv4Dst
	return m
}

// WithIPv4Src matches the source address under a mask.
func (m Match) WithIPv4Src(a MaskedAddr) Match {
	m.IPv4Src = a
	m.fields |= FieldIPv4Src
	return m
}

// WithIPProto matches the IPv4 protocol number.
func (m Match) WithIPProto(proto uint8) Match {
	m.IPProto = proto
	m.fields |= FieldIPProto
	return m
}

// WithMarker matches the 16-byte custom marker field under a mask.
func (m Match) WithMarker(a MaskedAddr) Match {
	m.Marker = a
	m.fields |= FieldMarker
	return m
}

// Has reports whether f is part of the match.
func (m Match) Has(f Field) bool { return m.fields&f != 0 }

// Headers are the packet fields a Match inspects.
type Headers struct {
	InPort  uint32
	EthType uint16
	IPv4Dst netip.Addr
	IPv4Src netip.Addr
	IPProto uint8

	// Marker is invalid unless the packet carries a custom marker field.
	Marker netip.Addr
}

// Matches reports whether every present field of m accepts h.
func (m Match) Matches(h Headers) bool {
	switch {
	case m.Has(FieldInPort) && h.InPort != m.InPort:
		return false
	case m.Has(FieldEthType) && h.EthType != m.EthType:
		return false
	case m.Has(FieldIPv4Dst) && !m.IPv4Dst.Contains(h.IPv4Dst):
		return false
	case m.Has(FieldIPv4Src) && !m.IPv4Src.Contains(h.IPv4Src):
		return false
	case m.Has(FieldIPProto) && h.IPProto != m.IPProto:
		return false
	case m.Has(FieldMarker) && !m.Marker.Contains(h.Marker):
		return false
	}
	return true
}

func (m Match) String() string {
	if m.fields == 0 {
		return "*"
	}
	parts := make([]string, 0, len(fieldNames))
	for _, fn := range fieldNames {
		if !m.Has(fn.f) {
			continue
		}
		var v string
		switch fn.f {
		case FieldInPort:
			v = fmt.Sprint(m.InPort)
		case FieldEthType:
			v = fmt.Sprintf("0x%04x", m.EthType)
		case FieldIPv4Dst:
			v = m.IPv4Dst.String()
		case FieldIPv4Src:
			v = m.IPv4Src.String()
		case FieldIPProto:
			v = fmt.Sprint(m.IPProto)
		case FieldMarker:
			v = m.Marker.String()
		}
		parts = append(parts, fn.name+"="+v)
	}
	return strings.Join(parts, ",")
}

// -------------------------------------------------------------------------
// Marker modes
// -------------------------------------------------------------------------

// ErrUnknownMarker indicates an unsupported marker mode name.
var ErrUnknownMarker = errors.New("unknown marker mode")

// Marker selects the packet field that carries the report header.
type Marker uint8

const (
	// MarkerIPv4Src carries the report header in the IPv4 source address.
	MarkerIPv4Src Marker = iota

	// MarkerCustom carries it in a 16-byte field after an IPv4 header with
	// protocol IPProtoMarker.
	MarkerCustom
)

// ParseMarker maps a config string to a Marker.
func ParseMarker(s string) (Marker, error) {
	switch strings.ToLower(s) {
	case "", "ipv4_src":
		return MarkerIPv4Src, nil
	case "custom":
		return MarkerCustom, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrUnknownMarker)
	}
}

func (m Marker) String() string {
	if m == MarkerCustom {
		return "custom"
	}
	return "ipv4_src"
}

// Width returns the marker field width in bits.
func (m Marker) Width() int {
	if m == MarkerCustom {
		return 128
	}
	return 32
}
