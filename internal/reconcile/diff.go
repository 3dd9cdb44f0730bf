package reconcile

import (
	"maps"
	"slices"

	"github.com/spin-stack/routecfg/internal/routing"
)

// Changes summarizes how the route table moved between two states. Keys are
// destination strings; a route counts as changed when its concrete next hop
// differs.
type Changes struct {
	Added     []string
	Removed   []string
	Changed   []string
	Resolvers bool
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0 && !c.Resolvers
}

// Diff compares the resolved route tables and resolver lists of two states.
// Routes whose gateway cannot be resolved are compared by their symbolic form.
func Diff(before, after State) Changes {
	var c Changes
	for _, key := range slices.Sorted(maps.Keys(after.Routes)) {
		prev, ok := before.Routes[key]
		if !ok {
			c.Added = append(c.Added, key)
			continue
		}
		if nextHop(before, prev) != nextHop(after, after.Routes[key]) {
			c.Changed = append(c.Changed, key)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(before.Routes)) {
		if _, ok := after.Routes[key]; !ok {
			c.Removed = append(c.Removed, key)
		}
	}
	c.Resolvers = !slices.Equal(before.Resolvers, after.Resolvers)
	return c
}

func nextHop(s State, r routing.Route) string {
	gw, err := r.Gateway.Resolve(s.Nics)
	if err != nil {
		return r.Gateway.String()
	}
	return gw.String()
}
