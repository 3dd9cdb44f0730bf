// Package reconcile merges requested route, nic and resolver changes into a
// VM's network state.
//
// Apply is a pure function from (current state, delta) to the next state:
// every entry of the delta is validated first, then the merged result is
// checked for route-to-nic dependencies, and only then is a fresh State
// built. A rejected delta has no effect because nothing is ever mutated in
// place.
package reconcile

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"

	"github.com/spin-stack/routecfg/internal/routing"
)

// State is the network configuration owned by a single VM.
type State struct {
	Nics      []routing.Nic            `json:"nics"`
	Routes    map[string]routing.Route `json:"routes"`
	Resolvers []netip.Addr             `json:"resolvers"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{
		Nics:      slices.Clone(s.Nics),
		Routes:    maps.Clone(s.Routes),
		Resolvers: slices.Clone(s.Resolvers),
	}
	if out.Routes == nil {
		out.Routes = map[string]routing.Route{}
	}
	return out
}

// SortedRoutes returns the routes ordered by destination key.
func (s State) SortedRoutes() []routing.Route {
	keys := slices.Sorted(maps.Keys(s.Routes))
	out := make([]routing.Route, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.Routes[k])
	}
	return out
}

// RouteTable maps each destination to its concrete next hop. Nic
// references are resolved through the current nic list.
func (s State) RouteTable() (map[string]netip.Addr, error) {
	table := make(map[string]netip.Addr, len(s.Routes))
	for key, r := range s.Routes {
		gw, err := r.Gateway.Resolve(s.Nics)
		if err != nil {
			return nil, err
		}
		table[key] = gw
	}
	return table, nil
}

// Validate re-checks the invariants of a stored state: valid nics, unique
// MACs, route keys matching destinations and resolvable nic references.
func (s State) Validate() error {
	if _, err := nicIndexByMAC(s.Nics); err != nil {
		return err
	}
	for _, n := range s.Nics {
		if err := routing.ValidateNic(n); err != nil {
			return err
		}
	}
	for key, r := range s.Routes {
		if key != r.Key() {
			return fmt.Errorf("route %q stored under key %q", r.Key(), key)
		}
		if _, err := r.Gateway.Resolve(s.Nics); err != nil {
			return err
		}
	}
	for _, r := range s.Resolvers {
		if !r.Is4() {
			return fmt.Errorf("resolver %s is not IPv4", r)
		}
	}
	return nil
}
