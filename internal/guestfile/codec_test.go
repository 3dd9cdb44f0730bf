package guestfile

import (
	"bufio"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/routecfg/internal/reconcile"
	"github.com/spin-stack/routecfg/internal/routing"
)

func testState(t *testing.T) reconcile.State {
	t.Helper()
	st, err := reconcile.Create(
		[]routing.Nic{
			{MAC: "02:00:00:00:00:01", Tag: "admin", IP: "172.19.1.2", Netmask: "255.255.255.0"},
			{MAC: "02:00:00:00:00:02", Tag: "external", IP: "10.88.0.10", Netmask: "255.255.0.0"},
		},
		map[string]string{
			"172.22.2.0/24": "172.19.1.1",
			"10.99.0.0/16":  "nics[1]",
			"10.1.1.1":      "172.19.1.254",
		},
		[]string{"8.8.8.8", "1.1.1.1"},
	)
	require.NoError(t, err)
	return st
}

func TestRenderResolvers(t *testing.T) {
	data := RenderResolvers([]netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("1.1.1.1")})

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "#"))
	assert.Equal(t, "nameserver 8.8.8.8", lines[1])
	assert.Equal(t, "nameserver 1.1.1.1", lines[2])
}

func TestResolversRoundTrip(t *testing.T) {
	st := testState(t)

	got, err := ParseResolvers(RenderResolvers(st.Resolvers))
	require.NoError(t, err)
	assert.Equal(t, st.Resolvers, got)

	got, err = ParseResolvers(RenderResolvers(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRenderRoutes(t *testing.T) {
	data, err := RenderRoutes(testState(t))
	require.NoError(t, err)

	want := header +
		"10.1.1.1 172.19.1.254\n" +
		"-interface 10.99.0.0/16 10.88.0.10\n" +
		"172.22.2.0/24 172.19.1.1\n"
	assert.Equal(t, want, string(data))
}

func TestRoutesRoundTrip(t *testing.T) {
	st := testState(t)

	data, err := RenderRoutes(st)
	require.NoError(t, err)

	table, err := st.RouteTable()
	require.NoError(t, err)
	want := make(map[string]string, len(table))
	for k, v := range table {
		want[k] = v.String()
	}
	got, err := ParseRoutes(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseRouteLines(t *testing.T) {
	data := []byte(`# comment
   # indented comment

10.0.0.0/8 192.168.1.1
-interface 10.1.0.0/16   10.1.0.5
10.2.0.0/16
10.3.0.0/16 10.3.0.1 extra
-interface
-interface 10.4.0.0/16
	10.5.0.0/16	10.5.0.1
`)

	lines, err := ParseRouteLines(data)
	require.NoError(t, err)
	assert.Equal(t, []Line{
		{Destination: "10.0.0.0/8", Gateway: "192.168.1.1"},
		{Destination: "10.1.0.0/16", Gateway: "10.1.0.5", Interface: true},
		{Destination: "10.5.0.0/16", Gateway: "10.5.0.1"},
	}, lines)

	routes, err := ParseRoutes(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"10.0.0.0/8":  "192.168.1.1",
		"10.1.0.0/16": "10.1.0.5",
		"10.5.0.0/16": "10.5.0.1",
	}, routes)
}

func TestParseRouteLinesOverlongLine(t *testing.T) {
	data := []byte("10.0.0.0/8 192.168.1.1\n# " +
		strings.Repeat("x", bufio.MaxScanTokenSize) + "\n10.5.0.0/16 10.5.0.1\n")

	_, err := ParseRouteLines(data)
	assert.ErrorIs(t, err, bufio.ErrTooLong)

	_, err = ParseRoutes(data)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

func TestRenderRoutesUnresolvableNic(t *testing.T) {
	st := testState(t)
	st.Nics = st.Nics[:1]

	_, err := RenderRoutes(st)
	assert.ErrorIs(t, err, routing.ErrInvalidNic)
}
