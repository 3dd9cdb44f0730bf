package guestfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/routecfg/internal/config"
	"github.com/spin-stack/routecfg/internal/nwcfg"
	"github.com/spin-stack/routecfg/internal/paths"
)

func testLayout() Layout {
	return Layout{
		ResolverFile: "etc/resolv.conf",
		RouteFile:    "etc/inet/static_routes",
		NetConfFile:  "var/run/routecfg/" + nwcfg.Filename,
	}
}

func TestFilePublisherPublish(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p := NewFilePublisher(config.PathsConfig{GuestRootBase: base}, testLayout())
	st := testState(t)

	require.NoError(t, p.Publish(ctx, "vm-1", st))

	root := p.GuestRoot("vm-1")
	assert.Equal(t, paths.GuestRoot(config.PathsConfig{GuestRootBase: base}, "vm-1"), root)
	resolv, err := os.ReadFile(filepath.Join(root, "etc", "resolv.conf"))
	require.NoError(t, err)
	got, err := ParseResolvers(resolv)
	require.NoError(t, err)
	assert.Equal(t, st.Resolvers, got)

	routes, err := os.ReadFile(filepath.Join(root, "etc", "inet", "static_routes"))
	require.NoError(t, err)
	table, err := ParseRoutes(routes)
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.10", table["10.99.0.0/16"])

	raw, err := os.ReadFile(filepath.Join(root, "var", "run", "routecfg", nwcfg.Filename))
	require.NoError(t, err)
	var cfg nwcfg.Config
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Len(t, cfg.Routes, 3)
	assert.Len(t, cfg.Networks, 2)

	// Publishing again replaces the files.
	st.Resolvers = st.Resolvers[:1]
	require.NoError(t, p.Publish(ctx, "vm-1", st))
	resolv, err = os.ReadFile(filepath.Join(root, "etc", "resolv.conf"))
	require.NoError(t, err)
	got, err = ParseResolvers(resolv)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFilePublisherStaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	outside := t.TempDir()
	p := NewFilePublisher(config.PathsConfig{GuestRootBase: base}, testLayout())

	root := p.GuestRoot("vm-evil")
	require.NoError(t, os.MkdirAll(root, 0755))
	// A guest-planted absolute symlink must resolve inside the guest root.
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "etc")))

	require.NoError(t, p.Publish(ctx, "vm-evil", testState(t)))

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may be written outside the guest root")
}

func TestFilePublisherRemove(t *testing.T) {
	ctx := context.Background()
	p := NewFilePublisher(config.PathsConfig{GuestRootBase: t.TempDir()}, testLayout())

	require.NoError(t, p.Remove(ctx, "missing"))

	require.NoError(t, p.Publish(ctx, "vm-1", testState(t)))
	require.NoError(t, p.Remove(ctx, "vm-1"))

	_, err := os.Stat(filepath.Join(p.GuestRoot("vm-1"), "etc", "resolv.conf"))
	assert.True(t, os.IsNotExist(err))
}
