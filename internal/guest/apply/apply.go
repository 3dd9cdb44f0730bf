//go:build linux

// Package apply is the guest side of the route file contract: it reads the
// published route file and makes the kernel's static routes match it.
package apply

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"os"
	"slices"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/routecfg/internal/guestfile"
	"github.com/spin-stack/routecfg/internal/netaddr"
)

// Result counts what an Apply call changed.
type Result struct {
	Added     int `json:"added"`
	Replaced  int `json:"replaced"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// Applier reconciles the kernel's main table with a guest route file.
// Only routes with protocol static are considered owned and removed.
type Applier struct {
	op        RouteOperator
	root      string
	routeFile string
}

// New creates an applier for the route file at routeFile inside root.
func New(op RouteOperator, root, routeFile string) *Applier {
	return &Applier{op: op, root: root, routeFile: routeFile}
}

// Apply reads the route file and reconciles the kernel routes. A missing
// route file means no static routes are wanted.
func (a *Applier) Apply(ctx context.Context) (Result, error) {
	path, err := fs.RootPath(a.root, a.routeFile)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve route file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("failed to read route file: %w", err)
	}
	if err != nil {
		log.G(ctx).WithField("path", path).Debug("route file missing, removing static routes")
	}

	owners, err := a.addressOwners()
	if err != nil {
		return Result{}, err
	}
	lines, err := guestfile.ParseRouteLines(data)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}
	desired, err := buildRoutes(lines, owners)
	if err != nil {
		return Result{}, err
	}

	existing, err := a.op.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{
		Protocol: unix.RTPROT_STATIC,
		Table:    unix.RT_TABLE_MAIN,
	}, netlink.RT_FILTER_PROTOCOL|netlink.RT_FILTER_TABLE)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list routes: %w", err)
	}

	p := plan(desired, existing)
	res := Result{Unchanged: p.unchanged}

	for _, r := range p.remove {
		if err := a.op.RouteDel(&r); err != nil {
			return res, fmt.Errorf("failed to delete route %s: %w", r.Dst, err)
		}
		res.Removed++
		log.G(ctx).WithField("dst", r.Dst.String()).Debug("removed stale route")
	}
	for _, c := range p.replace {
		if err := a.op.RouteReplace(&c.route); err != nil {
			return res, fmt.Errorf("failed to install route %s: %w", c.route.Dst, err)
		}
		if c.existed {
			res.Replaced++
		} else {
			res.Added++
		}
		log.G(ctx).WithFields(log.Fields{
			"dst": c.route.Dst.String(),
			"gw":  c.route.Gw.String(),
			"dev": c.route.LinkIndex,
		}).Debug("installed route")
	}

	log.G(ctx).WithFields(log.Fields{
		"added":     res.Added,
		"replaced":  res.Replaced,
		"removed":   res.Removed,
		"unchanged": res.Unchanged,
	}).Info("applied guest routes")
	return res, nil
}

// addressOwners maps each local IPv4 address to the index of its link.
func (a *Applier) addressOwners() (map[netip.Addr]int, error) {
	addrs, err := a.op.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	owners := make(map[netip.Addr]int, len(addrs))
	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		owners[ip.Unmap()] = addr.LinkIndex
	}
	return owners, nil
}

// buildRoutes converts route file lines into kernel routes. Interface
// routes become link-scope routes on the link that owns the address. Two
// lines for one kernel destination are rejected rather than fought over.
func buildRoutes(lines []guestfile.Line, owners map[netip.Addr]int) ([]netlink.Route, error) {
	routes := make([]netlink.Route, 0, len(lines))
	seen := make(map[string]string, len(lines))
	for _, l := range lines {
		dst, err := netaddr.ParseDestination(l.Destination)
		if err != nil {
			return nil, fmt.Errorf("route file: %w", err)
		}
		if prev, dup := seen[dst.String()]; dup {
			return nil, fmt.Errorf("route file: %s and %s are the same destination", prev, l.Destination)
		}
		seen[dst.String()] = l.Destination
		gw, err := netaddr.ParseAddress(l.Gateway)
		if err != nil {
			return nil, fmt.Errorf("route file: %w", err)
		}

		r := netlink.Route{
			Dst:      prefixToIPNet(dst.Prefix),
			Protocol: unix.RTPROT_STATIC,
			Table:    unix.RT_TABLE_MAIN,
		}
		if l.Interface {
			idx, ok := owners[gw]
			if !ok {
				return nil, fmt.Errorf("route file: no local link owns %s for %s", gw, l.Destination)
			}
			r.LinkIndex = idx
			r.Scope = netlink.SCOPE_LINK
			r.Src = net.IP(gw.AsSlice())
		} else {
			r.Gw = net.IP(gw.AsSlice())
		}
		routes = append(routes, r)
	}
	return routes, nil
}

type change struct {
	route   netlink.Route
	existed bool
}

type routePlan struct {
	replace   []change
	remove    []netlink.Route
	unchanged int
}

// plan diffs desired against the routes currently installed. Destinations
// are compared after masking, so 10.1.2.3/8 and 10.0.0.0/8 collide.
func plan(desired, existing []netlink.Route) routePlan {
	have := make(map[string]netlink.Route, len(existing))
	for _, r := range existing {
		have[dstKey(r)] = r
	}

	var p routePlan
	want := make(map[string]struct{}, len(desired))
	for _, r := range desired {
		k := dstKey(r)
		want[k] = struct{}{}
		cur, ok := have[k]
		if ok && sameNextHop(cur, r) {
			p.unchanged++
			continue
		}
		p.replace = append(p.replace, change{route: r, existed: ok})
	}
	for _, k := range slices.Sorted(maps.Keys(have)) {
		if _, ok := want[k]; !ok {
			p.remove = append(p.remove, have[k])
		}
	}
	return p
}

func sameNextHop(a, b netlink.Route) bool {
	if a.Scope == netlink.SCOPE_LINK || b.Scope == netlink.SCOPE_LINK {
		return a.Scope == b.Scope && a.LinkIndex == b.LinkIndex && a.Src.Equal(b.Src)
	}
	return a.Gw.Equal(b.Gw)
}

func dstKey(r netlink.Route) string {
	if r.Dst == nil {
		return "0.0.0.0/0"
	}
	return r.Dst.String()
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), 32),
	}
}
