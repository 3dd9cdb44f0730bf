package reconcile

import (
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/routecfg/internal/netaddr"
	"github.com/spin-stack/routecfg/internal/routing"
)

// Delta is a single update request. Nic indices in SetRoutes gateways and
// RemoveNics refer to the nic list before the delta is applied.
type Delta struct {
	SetRoutes    map[string]string `json:"set_routes,omitempty"`
	RemoveRoutes []string          `json:"remove_routes,omitempty"`
	RemoveNics   []string          `json:"remove_nics,omitempty"`
	AddNics      []routing.Nic     `json:"add_nics,omitempty"`
	// Resolvers replaces the resolver list when non-nil. An empty,
	// non-nil list clears it.
	Resolvers []string `json:"resolvers"`
}

// IsEmpty reports whether the delta requests no change.
func (d Delta) IsEmpty() bool {
	return len(d.SetRoutes) == 0 && len(d.RemoveRoutes) == 0 &&
		len(d.RemoveNics) == 0 && len(d.AddNics) == 0 && d.Resolvers == nil
}

// Create builds the initial state of a VM from its creation payload.
func Create(nics []routing.Nic, routes map[string]string, resolvers []string) (State, error) {
	for _, n := range nics {
		if err := routing.ValidateNic(n); err != nil {
			return State{}, err
		}
	}
	if _, err := nicIndexByMAC(nics); err != nil {
		return State{}, err
	}
	if resolvers == nil {
		resolvers = []string{}
	}
	return Apply(State{Nics: nics}, Delta{SetRoutes: routes, Resolvers: resolvers})
}

// Apply validates delta against current and returns the resulting state.
// On error current is unchanged and no partial result is returned. Set
// routes are validated in destination order so the reported failure is
// deterministic.
func Apply(current State, delta Delta) (State, error) {
	// Validate phase.
	for _, n := range delta.AddNics {
		if err := routing.ValidateNic(n); err != nil {
			return State{}, err
		}
	}

	setRoutes := make([]routing.Route, 0, len(delta.SetRoutes))
	setBy := make(map[string]string, len(delta.SetRoutes))
	for _, dst := range slices.Sorted(maps.Keys(delta.SetRoutes)) {
		r, err := routing.ValidateRoute(dst, delta.SetRoutes[dst], current.Nics)
		if err != nil {
			return State{}, err
		}
		if prev, dup := setBy[r.Key()]; dup {
			return State{}, fmt.Errorf("set_routes: %q and %q are the same destination %s: %w",
				prev, dst, r.Key(), errdefs.ErrInvalidArgument)
		}
		setBy[r.Key()] = dst
		setRoutes = append(setRoutes, r)
	}

	resolvers := current.Resolvers
	if delta.Resolvers != nil {
		var err error
		if resolvers, err = routing.ValidateResolvers(delta.Resolvers); err != nil {
			return State{}, err
		}
	}

	removeRoutes := make(map[string]struct{}, len(delta.RemoveRoutes))
	for _, tok := range delta.RemoveRoutes {
		d, err := netaddr.ParseDestination(tok)
		if err != nil {
			return State{}, routing.NewDestinationError(tok)
		}
		removeRoutes[d.String()] = struct{}{}
	}

	removeNics, err := resolveNicIDs(current.Nics, delta.RemoveNics)
	if err != nil {
		return State{}, err
	}

	// Merge phase.
	routes := make(map[string]routing.Route, len(current.Routes)+len(setRoutes))
	for key, r := range current.Routes {
		if _, ok := removeRoutes[key]; ok {
			continue
		}
		routes[key] = r
	}
	for _, r := range setRoutes {
		routes[r.Key()] = r
	}

	// Dependency check, against the original indices.
	for _, key := range slices.Sorted(maps.Keys(routes)) {
		gw := routes[key].Gateway
		if !gw.NicRef {
			continue
		}
		if _, removed := removeNics[gw.Nic]; removed {
			return State{}, routing.NewNicError(gw.String())
		}
		if _, err := gw.Resolve(current.Nics); err != nil {
			return State{}, err
		}
	}

	// Commit: survivors keep their relative order, additions go last.
	renumber := make(map[int]int, len(current.Nics))
	nics := make([]routing.Nic, 0, len(current.Nics)-len(removeNics)+len(delta.AddNics))
	for i, n := range current.Nics {
		if _, removed := removeNics[i]; removed {
			continue
		}
		renumber[i] = len(nics)
		nics = append(nics, n)
	}
	nics = append(nics, delta.AddNics...)
	if _, err := nicIndexByMAC(nics); err != nil {
		return State{}, err
	}

	for key, r := range routes {
		if r.Gateway.NicRef {
			r.Gateway = routing.NicGateway(renumber[r.Gateway.Nic])
			routes[key] = r
		}
	}

	return State{
		Nics:      nics,
		Routes:    routes,
		Resolvers: slices.Clone(resolvers),
	}, nil
}

// resolveNicIDs maps remove_nics identifiers to indices in nics. An
// identifier is a MAC address, a decimal index, or a nics[N] token.
func resolveNicIDs(nics []routing.Nic, ids []string) (map[int]struct{}, error) {
	out := make(map[int]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	byMAC, err := nicIndexByMAC(nics)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		idx, ok := lookupNic(nics, byMAC, id)
		if !ok {
			return nil, fmt.Errorf("remove_nics: no nic matches %q: %w", id, errdefs.ErrNotFound)
		}
		out[idx] = struct{}{}
	}
	return out, nil
}

func lookupNic(nics []routing.Nic, byMAC map[string]int, id string) (int, bool) {
	if hw, err := net.ParseMAC(id); err == nil {
		idx, ok := byMAC[hw.String()]
		return idx, ok
	}
	if idx, ok := routing.ParseNicRef(id); ok {
		return idx, idx < len(nics)
	}
	if idx, err := strconv.Atoi(id); err == nil && !strings.HasPrefix(id, "+") {
		return idx, idx >= 0 && idx < len(nics)
	}
	return 0, false
}

// nicIndexByMAC indexes nics by normalized MAC and rejects duplicates.
func nicIndexByMAC(nics []routing.Nic) (map[string]int, error) {
	out := make(map[string]int, len(nics))
	for i, n := range nics {
		hw, err := net.ParseMAC(n.MAC)
		if err != nil {
			return nil, fmt.Errorf("nic %d mac %q: %w", i, n.MAC, errdefs.ErrInvalidArgument)
		}
		key := hw.String()
		if prev, dup := out[key]; dup {
			return nil, fmt.Errorf("nics %d and %d share mac %s: %w", prev, i, key, errdefs.ErrAlreadyExists)
		}
		out[key] = i
	}
	return out, nil
}
