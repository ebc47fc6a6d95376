package probe

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/dantte-lp/voyager/internal/flow"
	"github.com/dantte-lp/voyager/internal/topo"
)

// ErrMalformedReport indicates a reported packet whose probe tag cannot be
// recovered.
var ErrMalformedReport = errors.New("malformed report")

// TagPrefix precedes the decimal probe id in the payload.
const TagPrefix = "voyager#"

// markerLen is the size of the custom marker field.
const markerLen = 16

// ipProtoProbe is the IPv4 protocol of probes in ipv4_src mode (RFC 3692
// experimentation value).
const ipProtoProbe layers.IPProtocol = 253

const probeTTL = 64

var (
	srcMAC = net.HardwareAddr{0x02, 0x76, 0x6f, 0x79, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x76, 0x6f, 0x79, 0x00, 0x02}
)

// Tag renders the payload marker of a probe id.
func Tag(id uint64) []byte {
	return strconv.AppendUint([]byte(TagPrefix), id, 10)
}

// Encode serializes an Ethernet/IPv4 probe. dst and test are bit strings;
// wildcards read as zero.
func Encode(dst, test string, marker flow.Marker, id uint64) ([]byte, error) {
	dstIP, err := topo.BitsToIPv4(dst)
	if err != nil {
		return nil, fmt.Errorf("packet header: %w", err)
	}

	ip := layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     probeTTL,
		DstIP:   dstIP.AsSlice(),
	}
	payload := Tag(id)

	switch marker {
	case flow.MarkerCustom:
		m, err := topo.BitsToIPv6(test)
		if err != nil {
			return nil, fmt.Errorf("test header: %w", err)
		}
		ip.Protocol = layers.IPProtocol(flow.IPProtoMarker)
		ip.SrcIP = net.IPv4zero.To4()
		field := m.As16()
		payload = append(field[:], payload...)
	default:
		src, err := topo.BitsToIPv4(test)
		if err != nil {
			return nil, fmt.Errorf("test header: %w", err)
		}
		ip.Protocol = ipProtoProbe
		ip.SrcIP = src.AsSlice()
	}

	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize probe %d: %w", id, err)
	}
	return buf.Bytes(), nil
}

// decoded is the part of a frame the rules and the controller look at.
type decoded struct {
	ip      *layers.IPv4
	marker  netip.Addr
	payload []byte
}

func decode(data []byte) (decoded, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return decoded{}, fmt.Errorf("no IPv4 header: %w", ErrMalformedReport)
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return decoded{}, fmt.Errorf("unexpected IPv4 layer type: %w", ErrMalformedReport)
	}

	d := decoded{ip: ip, payload: ip.Payload}
	if uint8(ip.Protocol) == flow.IPProtoMarker {
		if len(d.payload) < markerLen {
			return decoded{}, fmt.Errorf("truncated marker field (%d bytes): %w", len(d.payload), ErrMalformedReport)
		}
		d.marker = netip.AddrFrom16([markerLen]byte(d.payload[:markerLen]))
		d.payload = d.payload[markerLen:]
	}
	return d, nil
}

// ParseHeaders extracts the fields a flow match inspects. inPort is the
// port the frame arrived on.
func ParseHeaders(data []byte, inPort uint32) (flow.Headers, error) {
	d, err := decode(data)
	if err != nil {
		return flow.Headers{}, err
	}
	dst, _ := netip.AddrFromSlice(d.ip.DstIP.To4())
	src, _ := netip.AddrFromSlice(d.ip.SrcIP.To4())
	return flow.Headers{
		InPort:  inPort,
		EthType: flow.EthTypeIPv4,
		IPv4Dst: dst,
		IPv4Src: src,
		IPProto: uint8(d.ip.Protocol),
		Marker:  d.marker,
	}, nil
}

// DecodeTag recovers the probe id carried by a reported frame.
func DecodeTag(data []byte) (uint64, error) {
	d, err := decode(data)
	if err != nil {
		return 0, err
	}
	rest, ok := bytes.CutPrefix(d.payload, []byte(TagPrefix))
	if !ok {
		return 0, fmt.Errorf("payload has no %q tag: %w", TagPrefix, ErrMalformedReport)
	}
	id, err := strconv.ParseUint(string(rest), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("probe id %q: %w", rest, ErrMalformedReport)
	}
	return id, nil
}
