package routing

import (
	"strings"

	"github.com/spin-stack/routecfg/internal/netaddr"
)

// ValidateRoute validates a single destination/gateway pair against the
// VM's nic list. The destination is checked first and the first failure is
// returned; errors are never aggregated.
func ValidateRoute(dst, gw string, nics []Nic) (Route, error) {
	d, err := netaddr.ParseDestination(dst)
	if err != nil {
		return Route{}, NewDestinationError(dst)
	}

	g, err := ParseGateway(gw, nics)
	if err != nil {
		return Route{}, err
	}
	return Route{Destination: d, Gateway: g}, nil
}

// ParseGateway parses a gateway token. Tokens of the nics[N] shape are
// resolved against nics; anything CIDR-shaped is rejected even when the
// address part is valid.
func ParseGateway(token string, nics []Nic) (Gateway, error) {
	if IsNicRef(token) {
		idx, err := ResolveNic(token, nics)
		if err != nil {
			return Gateway{}, err
		}
		return NicGateway(idx), nil
	}
	if strings.Contains(token, "/") {
		return Gateway{}, NewGatewayError(token)
	}
	addr, err := netaddr.ParseAddress(token)
	if err != nil {
		return Gateway{}, NewGatewayError(token)
	}
	return AddrGateway(addr), nil
}
