package guestfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"

	"github.com/spin-stack/routecfg/internal/config"
	"github.com/spin-stack/routecfg/internal/nwcfg"
	"github.com/spin-stack/routecfg/internal/paths"
	"github.com/spin-stack/routecfg/internal/reconcile"
)

// Publisher hands a committed state to the guest. Publishing is downstream
// of the commit: the guest picks the files up on its own schedule.
type Publisher interface {
	Publish(ctx context.Context, vmID string, st reconcile.State) error
	Remove(ctx context.Context, vmID string) error
}

// Layout names the guest files relative to the guest root.
type Layout struct {
	ResolverFile string
	RouteFile    string
	NetConfFile  string
}

// FilePublisher writes guest files under each VM's guest root.
type FilePublisher struct {
	paths  config.PathsConfig
	layout Layout
}

// NewFilePublisher creates a publisher for the guest roots under
// pathsCfg.GuestRootBase.
func NewFilePublisher(pathsCfg config.PathsConfig, layout Layout) *FilePublisher {
	return &FilePublisher{paths: pathsCfg, layout: layout}
}

// GuestRoot returns the root filesystem directory of a VM.
func (p *FilePublisher) GuestRoot(vmID string) string {
	return paths.GuestRoot(p.paths, vmID)
}

// Publish renders st and atomically replaces the three guest files.
// Paths are resolved inside the guest root so symlinks planted by the
// guest cannot redirect writes onto the host.
func (p *FilePublisher) Publish(ctx context.Context, vmID string, st reconcile.State) error {
	routes, err := RenderRoutes(st)
	if err != nil {
		return err
	}
	cfg, err := nwcfg.FromState(st)
	if err != nil {
		return err
	}
	nw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", nwcfg.Filename, err)
	}

	files := []struct {
		path string
		data []byte
	}{
		{p.layout.ResolverFile, RenderResolvers(st.Resolvers)},
		{p.layout.RouteFile, routes},
		{p.layout.NetConfFile, nw},
	}

	root := p.GuestRoot(vmID)
	for _, f := range files {
		if f.path == "" {
			continue
		}
		if err := writeInRoot(root, f.path, f.data); err != nil {
			return err
		}
		log.G(ctx).WithFields(log.Fields{
			"vm":   vmID,
			"path": f.path,
		}).Debug("wrote guest file")
	}
	return nil
}

// Remove deletes the published files. Missing files are not an error.
func (p *FilePublisher) Remove(ctx context.Context, vmID string) error {
	root := p.GuestRoot(vmID)
	for _, rel := range []string{p.layout.ResolverFile, p.layout.RouteFile, p.layout.NetConfFile} {
		if rel == "" {
			continue
		}
		path, err := fs.RootPath(root, rel)
		if err != nil {
			return fmt.Errorf("resolve %s in guest root: %w", rel, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	log.G(ctx).WithField("vm", vmID).Debug("removed guest files")
	return nil
}

func writeInRoot(root, rel string, data []byte) error {
	path, err := fs.RootPath(root, rel)
	if err != nil {
		return fmt.Errorf("resolve %s in guest root: %w", rel, err)
	}
	// #nosec G301 -- directories under the guest /etc must be world-readable.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	// #nosec G306 -- resolver and route files are world-readable in the guest.
	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

var _ Publisher = (*FilePublisher)(nil)
