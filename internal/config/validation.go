package config

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/spin-stack/routecfg/internal/routing"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateGuest(); err != nil {
		return fmt.Errorf("guest: %w", err)
	}
	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Paths.GuestRootBase == "" {
		return fmt.Errorf("guest_root_base cannot be empty")
	}
	if !filepath.IsAbs(c.Paths.GuestRootBase) {
		return fmt.Errorf("guest_root_base: must be absolute, got %q", c.Paths.GuestRootBase)
	}
	return nil
}

func (c *Config) validateGuest() error {
	fields := []struct {
		name, val string
	}{
		{"resolver_file", c.Guest.ResolverFile},
		{"route_file", c.Guest.RouteFile},
		{"nwcfg_file", c.Guest.NetConfFile},
	}
	seen := make(map[string]string, len(fields))
	for _, f := range fields {
		if err := validateGuestPath(f.val, f.name); err != nil {
			return err
		}
		clean := filepath.Clean(f.val)
		if other, dup := seen[clean]; dup {
			return fmt.Errorf("%s: same file as %s (%s)", f.name, other, clean)
		}
		seen[clean] = f.name
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if _, err := routing.ValidateResolvers(c.Network.DefaultResolvers); err != nil {
		return fmt.Errorf("default_resolvers: %w", err)
	}
	if c.Network.MaxRoutes < 0 {
		return fmt.Errorf("max_routes: must be >= 0, got %d", c.Network.MaxRoutes)
	}
	if c.Network.MaxResolvers < 0 {
		return fmt.Errorf("max_resolvers: must be >= 0, got %d", c.Network.MaxResolvers)
	}
	if len(c.Network.DefaultResolvers) > c.Network.MaxResolvers {
		return fmt.Errorf("default_resolvers: %d entries exceed max_resolvers (%d)",
			len(c.Network.DefaultResolvers), c.Network.MaxResolvers)
	}
	return nil
}

// Helper functions

// validateGuestPath rejects paths that would escape the guest root lexically.
// Symlinks inside the root are handled when the files are written.
func validateGuestPath(path, name string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%s: must be relative to the guest root, got %q", name, path)
	}
	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || len(clean) > 2 && clean[:3] == "../" {
		return fmt.Errorf("%s: escapes the guest root: %q", name, path)
	}
	return nil
}

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}
