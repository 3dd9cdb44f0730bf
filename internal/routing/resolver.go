package routing

import (
	"net/netip"

	"github.com/spin-stack/routecfg/internal/netaddr"
)

// ValidateResolvers parses resolver tokens, keeping their order: the guest
// consults resolvers in list order. A nil input yields an empty, non-nil list.
func ValidateResolvers(tokens []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(tokens))
	for _, tok := range tokens {
		addr, err := netaddr.ParseAddress(tok)
		if err != nil {
			return nil, NewResolverError(tok)
		}
		out = append(out, addr)
	}
	return out, nil
}
