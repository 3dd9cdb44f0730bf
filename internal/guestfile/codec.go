// Package guestfile renders a VM's committed resolver and route state into
// the flat files read inside the guest, and parses them back.
//
// Resolver file: one "nameserver <ip>" line per resolver, in list order.
//
// Route file: one "<destination> <gateway-ip>" line per route. Routes whose
// gateway is one of the VM's own nics are written with a leading
// "-interface" token and the nic's address; the symbolic nics[N] form never
// reaches the guest. Lines starting with "#" are comments.
package guestfile

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strings"

	"github.com/docker/docker/libnetwork/resolvconf"

	"github.com/spin-stack/routecfg/internal/reconcile"
	"github.com/spin-stack/routecfg/internal/routing"
)

const (
	header         = "# Generated by routecfg. Changes are overwritten on reconfiguration.\n"
	interfaceToken = "-interface"
)

// RenderResolvers renders the resolver file.
func RenderResolvers(resolvers []netip.Addr) []byte {
	var b bytes.Buffer
	b.WriteString(header)
	for _, r := range resolvers {
		fmt.Fprintf(&b, "nameserver %s\n", r)
	}
	return b.Bytes()
}

// ParseResolvers returns the nameservers of a resolver file in order.
func ParseResolvers(data []byte) ([]netip.Addr, error) {
	return routing.ValidateResolvers(resolvconf.GetNameservers(data, resolvconf.IPv4))
}

// RenderRoutes renders the route file, ordered by destination. Nic
// references are resolved against st.Nics at render time.
func RenderRoutes(st reconcile.State) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(header)
	for _, r := range st.SortedRoutes() {
		gw, err := r.Gateway.Resolve(st.Nics)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.Key(), err)
		}
		if r.Gateway.NicRef {
			fmt.Fprintf(&b, "%s %s %s\n", interfaceToken, r.Key(), gw)
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", r.Key(), gw)
	}
	return b.Bytes(), nil
}

// Line is a parsed route file entry.
type Line struct {
	Destination string
	Gateway     string
	Interface   bool
}

// ParseRouteLines parses a route file. Comments and lines that do not
// reduce to exactly two fields are skipped. A read error, such as a line
// longer than the scanner buffer, fails the whole parse so callers never act
// on a truncated file.
func ParseRouteLines(data []byte) ([]Line, error) {
	var out []Line
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		iface := false
		if fields[0] == interfaceToken {
			iface = true
			fields = fields[1:]
		}
		if len(fields) != 2 {
			continue
		}
		out = append(out, Line{Destination: fields[0], Gateway: fields[1], Interface: iface})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read route file after %d routes: %w", len(out), err)
	}
	return out, nil
}

// ParseRoutes parses a route file into a destination to gateway mapping.
// A later line for the same destination wins.
func ParseRoutes(data []byte) (map[string]string, error) {
	lines, err := ParseRouteLines(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(lines))
	for _, l := range lines {
		out[l.Destination] = l.Gateway
	}
	return out, nil
}
