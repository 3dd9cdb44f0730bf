package routing

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/routecfg/internal/netaddr"
)

// DHCP is the IP assignment of a nic whose address is leased at boot.
const DHCP = "dhcp"

// Nic is a VM network interface as seen by route validation. Its index is
// its position in the VM's nic list.
type Nic struct {
	MAC     string `json:"mac"`
	Tag     string `json:"nic_tag,omitempty"`
	IP      string `json:"ip"`                // static address or "dhcp"
	Netmask string `json:"netmask,omitempty"` // dotted quad, ignored for dhcp
	Primary bool   `json:"primary,omitempty"`
}

// IsDHCP reports whether the nic has no fixed address.
func (n Nic) IsDHCP() bool {
	return strings.EqualFold(n.IP, DHCP)
}

// Addr returns the static address of the nic.
func (n Nic) Addr() (netip.Addr, bool) {
	if n.IsDHCP() {
		return netip.Addr{}, false
	}
	addr, err := netaddr.ParseAddress(n.IP)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// Prefix returns the nic address with its netmask applied as prefix length.
// A missing netmask yields a /32.
func (n Nic) Prefix() (netip.Prefix, bool) {
	addr, ok := n.Addr()
	if !ok {
		return netip.Prefix{}, false
	}
	if n.Netmask == "" {
		return netip.PrefixFrom(addr, 32), true
	}
	mask, err := netaddr.ParseAddress(n.Netmask)
	if err != nil {
		return netip.Prefix{}, false
	}
	m4 := mask.As4()
	ones, bits := net.IPv4Mask(m4[0], m4[1], m4[2], m4[3]).Size()
	if bits == 0 {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, ones), true
}

// ValidateNic checks the fields of a nic submitted with a request.
func ValidateNic(n Nic) error {
	if _, err := net.ParseMAC(n.MAC); err != nil {
		return fmt.Errorf("nic mac %q: %w", n.MAC, errdefs.ErrInvalidArgument)
	}
	if n.IsDHCP() {
		return nil
	}
	if _, ok := n.Addr(); !ok {
		return fmt.Errorf("nic %s: ip %q must be IP address or %q: %w", n.MAC, n.IP, DHCP, errdefs.ErrInvalidArgument)
	}
	if n.Netmask != "" {
		if _, ok := n.Prefix(); !ok {
			return fmt.Errorf("nic %s: invalid netmask %q: %w", n.MAC, n.Netmask, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// Gateway is the next hop of a route: a fixed address or one of the VM's
// own nics by index.
type Gateway struct {
	Addr   netip.Addr `json:"addr,omitzero"`
	NicRef bool       `json:"nic_ref,omitempty"`
	Nic    int        `json:"nic,omitempty"`
}

// AddrGateway returns a gateway pointing at a fixed address.
func AddrGateway(addr netip.Addr) Gateway {
	return Gateway{Addr: addr}
}

// NicGateway returns a gateway pointing at the nic with the given index.
func NicGateway(index int) Gateway {
	return Gateway{NicRef: true, Nic: index}
}

func (g Gateway) String() string {
	if g.NicRef {
		return nicToken(g.Nic)
	}
	return g.Addr.String()
}

// Resolve returns the concrete next hop. Nic references resolve to the
// referenced nic's address in nics.
func (g Gateway) Resolve(nics []Nic) (netip.Addr, error) {
	if !g.NicRef {
		return g.Addr, nil
	}
	if g.Nic < 0 || g.Nic >= len(nics) {
		return netip.Addr{}, NewNicError(g.String())
	}
	addr, ok := nics[g.Nic].Addr()
	if !ok {
		return netip.Addr{}, NewNicError(g.String())
	}
	return addr, nil
}

// Route maps a destination to its gateway. The destination string is the
// route's key within a VM.
type Route struct {
	Destination netaddr.Destination `json:"destination"`
	Gateway     Gateway             `json:"gateway"`
}

// Key returns the unique key of the route.
func (r Route) Key() string {
	return r.Destination.String()
}

func (r Route) String() string {
	return r.Key() + " " + r.Gateway.String()
}
