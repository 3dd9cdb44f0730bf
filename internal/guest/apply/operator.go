//go:build linux

package apply

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// RouteOperator is the slice of netlink the applier needs.
type RouteOperator interface {
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
	Close()
}

// handleOperator implements RouteOperator on a netlink handle, optionally
// bound to another network namespace.
type handleOperator struct {
	*netlink.Handle
}

// NewRouteOperator opens a netlink handle. With a non-empty nsPath the
// handle operates inside that network namespace; the calling thread never
// switches namespaces.
func NewRouteOperator(nsPath string) (RouteOperator, error) {
	if nsPath == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("failed to open netlink handle: %w", err)
		}
		return &handleOperator{Handle: h}, nil
	}

	ns, err := netns.GetFromPath(nsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns %s: %w", nsPath, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle in %s: %w", nsPath, err)
	}
	return &handleOperator{Handle: h}, nil
}

func (o *handleOperator) Close() {
	o.Handle.Close()
}
