package routing

import (
	"regexp"
	"strconv"
)

var nicRefPattern = regexp.MustCompile(`^nics\[(\d+)\]$`)

// IsNicRef reports whether token has the nics[N] shape.
func IsNicRef(token string) bool {
	return nicRefPattern.MatchString(token)
}

// ParseNicRef extracts N from a nics[N] token without checking it against
// a nic list. Indices that overflow int are reported as not ok.
func ParseNicRef(token string) (int, bool) {
	m := nicRefPattern.FindStringSubmatch(token)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// ResolveNic resolves a nics[N] gateway token against nics. The index must
// be in range and the nic must have a static address.
func ResolveNic(token string, nics []Nic) (int, error) {
	idx, ok := ParseNicRef(token)
	if !ok || idx >= len(nics) {
		return 0, NewNicError(token)
	}
	if _, ok := nics[idx].Addr(); !ok {
		return 0, NewNicError(token)
	}
	return idx, nil
}

func nicToken(idx int) string {
	return "nics[" + strconv.Itoa(idx) + "]"
}
