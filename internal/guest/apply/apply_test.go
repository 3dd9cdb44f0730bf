//go:build linux

package apply

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type fakeOperator struct {
	addrs  []netlink.Addr
	routes map[string]netlink.Route
	closed bool
}

func newFakeOperator() *fakeOperator {
	return &fakeOperator{
		addrs: []netlink.Addr{
			{IPNet: mustIPNet("172.19.1.2/24"), LinkIndex: 2},
			{IPNet: mustIPNet("10.88.0.10/16"), LinkIndex: 3},
		},
		routes: make(map[string]netlink.Route),
	}
}

func mustIPNet(s string) *net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func (f *fakeOperator) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return f.addrs, nil
}

func (f *fakeOperator) RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error) {
	var out []netlink.Route
	for _, r := range f.routes {
		if filterMask&netlink.RT_FILTER_PROTOCOL != 0 && r.Protocol != filter.Protocol {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeOperator) RouteReplace(route *netlink.Route) error {
	f.routes[dstKey(*route)] = *route
	return nil
}

func (f *fakeOperator) RouteDel(route *netlink.Route) error {
	delete(f.routes, dstKey(*route))
	return nil
}

func (f *fakeOperator) Close() { f.closed = true }

func writeRouteFile(t *testing.T, root, content string) {
	t.Helper()
	path := filepath.Join(root, "etc", "inet", "static_routes")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	op := newFakeOperator()

	// A route left behind by someone else and one we installed earlier.
	op.routes["192.168.0.0/16"] = netlink.Route{Dst: mustIPNet("192.168.0.0/16"), Gw: net.ParseIP("172.19.1.1"), Protocol: unix.RTPROT_BOOT}
	op.routes["10.50.0.0/16"] = netlink.Route{Dst: mustIPNet("10.50.0.0/16"), Gw: net.ParseIP("172.19.1.1"), Protocol: unix.RTPROT_STATIC}

	writeRouteFile(t, root, `# Generated by routecfg. Changes are overwritten on reconfiguration.
10.1.1.1 172.19.1.1
-interface 10.99.0.0/16 10.88.0.10
172.22.2.0/24 172.19.1.1
`)

	a := New(op, root, "etc/inet/static_routes")
	res, err := a.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Added: 3, Removed: 1}, res)

	assert.Contains(t, op.routes, "192.168.0.0/16")
	assert.NotContains(t, op.routes, "10.50.0.0/16")

	host := op.routes["10.1.1.1/32"]
	assert.Equal(t, "172.19.1.1", host.Gw.String())

	iface := op.routes["10.99.0.0/16"]
	assert.Equal(t, 3, iface.LinkIndex)
	assert.Equal(t, netlink.SCOPE_LINK, iface.Scope)
	assert.Nil(t, iface.Gw)

	// Second run is a no-op.
	res, err = a.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Unchanged: 3}, res)

	// Changing a gateway replaces the route in place.
	writeRouteFile(t, root, "172.22.2.0/24 172.19.1.254\n")
	res, err = a.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Replaced: 1, Removed: 2}, res)
	assert.Equal(t, "172.19.1.254", op.routes["172.22.2.0/24"].Gw.String())
}

func TestApplyMissingFileRemovesStaticRoutes(t *testing.T) {
	op := newFakeOperator()
	op.routes["10.50.0.0/16"] = netlink.Route{Dst: mustIPNet("10.50.0.0/16"), Gw: net.ParseIP("172.19.1.1"), Protocol: unix.RTPROT_STATIC}

	res, err := New(op, t.TempDir(), "etc/inet/static_routes").Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Removed: 1}, res)
	assert.Empty(t, op.routes)
}

func TestApplyRejectsBadFile(t *testing.T) {
	tests := map[string]string{
		"bad destination":   "asdf 172.19.1.1\n",
		"bad gateway":       "10.0.0.0/8 nics[0]\n",
		"unowned interface": "-interface 10.0.0.0/8 192.0.2.1\n",
		"host aliases":      "10.0.0.1 172.19.1.1\n10.0.0.1/32 172.19.1.254\n",
		"network aliases":   "10.2.0.0/24 172.19.1.1\n10.2.0.5/24 172.19.1.254\n",
		"overlong line":     "# " + strings.Repeat("x", bufio.MaxScanTokenSize) + "\n10.0.0.0/8 172.19.1.1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeRouteFile(t, root, content)
			op := newFakeOperator()
			stale := netlink.Route{Dst: mustIPNet("10.50.0.0/16"), Gw: net.ParseIP("172.19.1.1"), Protocol: unix.RTPROT_STATIC}
			op.routes["10.50.0.0/16"] = stale
			_, err := New(op, root, "etc/inet/static_routes").Apply(context.Background())
			assert.Error(t, err)
			// Nothing is touched when the file cannot be trusted.
			assert.Equal(t, map[string]netlink.Route{"10.50.0.0/16": stale}, op.routes)
		})
	}
}

func TestPlanMasksDestinations(t *testing.T) {
	desired, err := buildRoutes(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, desired)

	existing := []netlink.Route{{Dst: mustIPNet("10.0.0.0/8"), Gw: net.ParseIP("172.19.1.1")}}
	want := []netlink.Route{{Dst: prefixToIPNet(mustPrefix(t, "10.0.0.0/8")), Gw: net.ParseIP("172.19.1.1").To4()}}
	p := plan(want, existing)
	assert.Equal(t, 1, p.unchanged)
	assert.Empty(t, p.replace)
	assert.Empty(t, p.remove)
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}
