package topo

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidBits indicates a header bit string with symbols other than 0, 1, x
// or more bits than the target address family holds.
var ErrInvalidBits = errors.New("invalid header bit string")

// Wildcard is the bit-string symbol for a don't-care bit.
const Wildcard = 'x'

// ValidBits reports whether s only contains '0', '1' and 'x'.
func ValidBits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c != '0' && c != '1' && c != Wildcard {
			return false
		}
	}
	return true
}

// PrefixHeader renders a prefix as a 32-symbol bit string: the network bits
// of the address followed by wildcards for the host part.
func PrefixHeader(p netip.Prefix) string {
	a4 := p.Addr().As4()
	var b strings.Builder
	b.Grow(32)
	for i := range 32 {
		if i >= p.Bits() {
			b.WriteByte(Wildcard)
			continue
		}
		if a4[i/8]&(0x80>>(i%8)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// BitsToIPv4 converts a bit string of at most 32 symbols into an IPv4
// address. The string is left-padded with zeros and wildcards read as zero.
func BitsToIPv4(bits string) (netip.Addr, error) {
	var a [4]byte
	if err := fillBits(a[:], bits); err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom4(a), nil
}

// BitsToIPv6 is BitsToIPv4 for 128-bit strings.
func BitsToIPv6(bits string) (netip.Addr, error) {
	var a [16]byte
	if err := fillBits(a[:], bits); err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom16(a), nil
}

func fillBits(dst []byte, bits string) error {
	width := len(dst) * 8
	if !ValidBits(bits) || len(bits) > width {
		return fmt.Errorf("%q (max %d bits): %w", bits, width, ErrInvalidBits)
	}
	offset := width - len(bits)
	for i := range len(bits) {
		if bits[i] != '1' {
			continue
		}
		pos := offset + i
		dst[pos/8] |= 0x80 >> (pos % 8)
	}
	return nil
}
