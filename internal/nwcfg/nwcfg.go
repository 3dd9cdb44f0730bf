// Package nwcfg describes the network config file written into the guest root
// next to the resolver and route files.
package nwcfg

import (
	"fmt"
	"net/netip"

	"github.com/spin-stack/routecfg/internal/reconcile"
)

// Filename is the name of the JSON file written into the guest root.
const Filename = "nw-config.json"

// Config describes the network configuration of a VM. When marshalled to
// JSON it is read by the guest agent at boot and on reconfiguration.
type Config struct {
	Networks    []Network
	Routes      []Route      `json:",omitempty"`
	Nameservers []netip.Addr `json:",omitempty"`
}

// Network describes a single network interface of the VM.
// The network is identified by MAC, the MAC address of the VM's interface.
type Network struct {
	MAC     string         // MAC is the MAC address of the VM's network interface (required)
	Tag     string         `json:",omitempty"` // Tag is the nic tag the interface is attached to
	Addrs   []netip.Prefix `json:",omitempty"` // Addrs are static addresses; empty for DHCP
	DHCP    bool           `json:",omitempty"` // DHCP is set when the address is leased at boot
	Primary bool           `json:",omitempty"` // Primary marks the interface owning the default route
}

// Route is a static route with a concrete next hop.
type Route struct {
	Dst       netip.Prefix
	Gw        netip.Addr
	Interface bool `json:",omitempty"` // Interface is set when Gw is one of the VM's own addresses
}

// FromState renders a committed state. Nic references are resolved to the
// referenced nic's address; routes are ordered by destination.
func FromState(st reconcile.State) (*Config, error) {
	cfg := &Config{
		Networks:    make([]Network, 0, len(st.Nics)),
		Nameservers: st.Resolvers,
	}

	for _, n := range st.Nics {
		nw := Network{
			MAC:     n.MAC,
			Tag:     n.Tag,
			DHCP:    n.IsDHCP(),
			Primary: n.Primary,
		}
		if p, ok := n.Prefix(); ok {
			nw.Addrs = []netip.Prefix{p}
		}
		cfg.Networks = append(cfg.Networks, nw)
	}

	for _, r := range st.SortedRoutes() {
		gw, err := r.Gateway.Resolve(st.Nics)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.Key(), err)
		}
		cfg.Routes = append(cfg.Routes, Route{
			Dst:       r.Destination.Prefix,
			Gw:        gw,
			Interface: r.Gateway.NicRef,
		})
	}
	return cfg, nil
}
