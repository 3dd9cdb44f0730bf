// Package netaddr parses the IPv4 addresses and CIDR blocks accepted in
// route and resolver payloads.
package netaddr

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	// MinPrefixLen is the loosest network route accepted as a destination.
	MinPrefixLen = 8
	// MaxPrefixLen is the tightest network route accepted as a destination.
	MaxPrefixLen = 32
)

// ErrInvalidAddress is wrapped by every parse failure in this package.
var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress parses a dotted-quad IPv4 address.
func ParseAddress(token string) (netip.Addr, error) {
	if strings.Count(token, ".") != 3 {
		return netip.Addr{}, fmt.Errorf("%q: expected four octets: %w", token, ErrInvalidAddress)
	}
	addr, err := netip.ParseAddr(token)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%q: not an IPv4 address: %w", token, ErrInvalidAddress)
	}
	return addr, nil
}

// ParseCIDR parses "a.b.c.d/N" with N in [MinPrefixLen, MaxPrefixLen].
// Host bits are preserved; ParseDestination masks them.
func ParseCIDR(token string) (netip.Prefix, error) {
	addrPart, bitsPart, ok := strings.Cut(token, "/")
	if !ok {
		return netip.Prefix{}, fmt.Errorf("%q: missing prefix length: %w", token, ErrInvalidAddress)
	}
	addr, err := ParseAddress(addrPart)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !isDigits(bitsPart) {
		return netip.Prefix{}, fmt.Errorf("%q: prefix length is not a number: %w", token, ErrInvalidAddress)
	}
	bits, err := strconv.Atoi(bitsPart)
	if err != nil || bits < MinPrefixLen || bits > MaxPrefixLen {
		return netip.Prefix{}, fmt.Errorf("%q: prefix length must be between %d and %d: %w",
			token, MinPrefixLen, MaxPrefixLen, ErrInvalidAddress)
	}
	return netip.PrefixFrom(addr, bits), nil
}

// Destination is the target of a route: a single host or a network block.
// Prefix is always masked, so every spelling of one destination compares
// and renders the same.
type Destination struct {
	Prefix netip.Prefix
	// Host is set for /32 destinations, whether given bare or as a.b.c.d/32.
	Host bool
}

// ParseDestination parses a host address or a CIDR block. Bare addresses
// and /32 blocks are host routes; other blocks lose their host bits.
func ParseDestination(token string) (Destination, error) {
	if strings.Contains(token, "/") {
		p, err := ParseCIDR(token)
		if err != nil {
			return Destination{}, err
		}
		return Destination{Prefix: p.Masked(), Host: p.Bits() == MaxPrefixLen}, nil
	}
	addr, err := ParseAddress(token)
	if err != nil {
		return Destination{}, err
	}
	return Destination{Prefix: netip.PrefixFrom(addr, MaxPrefixLen), Host: true}, nil
}

// String renders the canonical form of the destination: a bare address for
// host routes, the masked block otherwise. It doubles as the unique key of a
// route within a VM.
func (d Destination) String() string {
	if d.Host {
		return d.Prefix.Addr().String()
	}
	return d.Prefix.String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Destination) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Destination) UnmarshalText(b []byte) error {
	parsed, err := ParseDestination(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
