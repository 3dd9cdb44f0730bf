package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.StateDir != "/var/lib/routecfg" {
		t.Errorf("expected StateDir /var/lib/routecfg, got %s", cfg.Paths.StateDir)
	}
	if cfg.Guest.ResolverFile != "etc/resolv.conf" {
		t.Errorf("expected ResolverFile etc/resolv.conf, got %s", cfg.Guest.ResolverFile)
	}
	if cfg.Guest.RouteFile != "etc/inet/static_routes" {
		t.Errorf("expected RouteFile etc/inet/static_routes, got %s", cfg.Guest.RouteFile)
	}
	if cfg.Network.MaxRoutes != 256 {
		t.Errorf("expected MaxRoutes 256, got %d", cfg.Network.MaxRoutes)
	}
	if cfg.Network.InheritHostResolvers {
		t.Error("expected InheritHostResolvers false")
	}
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	stateDir := t.TempDir()
	path := writeConfig(t, map[string]any{
		"paths": map[string]any{"state_dir": stateDir},
		"network": map[string]any{
			"max_routes": 10,
		},
	})

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Paths.StateDir != stateDir {
		t.Errorf("expected StateDir %s, got %s", stateDir, cfg.Paths.StateDir)
	}
	if cfg.Paths.GuestRootBase != "/zones" {
		t.Errorf("expected default GuestRootBase, got %s", cfg.Paths.GuestRootBase)
	}
	if cfg.Network.MaxRoutes != 10 {
		t.Errorf("expected MaxRoutes 10, got %d", cfg.Network.MaxRoutes)
	}
	if cfg.Network.MaxResolvers != 6 {
		t.Errorf("expected default MaxResolvers 6, got %d", cfg.Network.MaxResolvers)
	}
	if len(cfg.Network.DefaultResolvers) != 2 {
		t.Errorf("expected default resolvers, got %v", cfg.Network.DefaultResolvers)
	}
}

func TestLoadFromKeepsExplicitEmptyResolvers(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"paths":   map[string]any{"state_dir": t.TempDir()},
		"network": map[string]any{"default_resolvers": []string{}},
	})

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Network.DefaultResolvers == nil || len(cfg.Network.DefaultResolvers) != 0 {
		t.Errorf("expected empty default resolvers, got %v", cfg.Network.DefaultResolvers)
	}
}

func TestLoadFromErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
		if err == nil || !strings.Contains(err.Error(), ConfigEnvVar) {
			t.Errorf("expected not-found error naming %s, got %v", ConfigEnvVar, err)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte("{"), 0600); err != nil {
			t.Fatal(err)
		}
		_, err := LoadFrom(path)
		if err == nil || !strings.Contains(err.Error(), "failed to parse") {
			t.Errorf("expected parse error, got %v", err)
		}
	})

	t.Run("bad resolver", func(t *testing.T) {
		path := writeConfig(t, map[string]any{
			"paths":   map[string]any{"state_dir": t.TempDir()},
			"network": map[string]any{"default_resolvers": []string{"dns.example"}},
		})
		_, err := LoadFrom(path)
		if err == nil || !strings.Contains(err.Error(), "default_resolvers") {
			t.Errorf("expected default_resolvers error, got %v", err)
		}
	})
}

func TestGetUsesEnvOverride(t *testing.T) {
	t.Cleanup(Reset)
	Reset()

	path := writeConfig(t, map[string]any{
		"paths": map[string]any{"state_dir": t.TempDir(), "guest_root_base": "/srv/vms"},
	})
	t.Setenv(ConfigEnvVar, path)

	cfg, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cfg.Paths.GuestRootBase != "/srv/vms" {
		t.Errorf("expected GuestRootBase /srv/vms, got %s", cfg.Paths.GuestRootBase)
	}

	again, _ := Get()
	if again != cfg {
		t.Error("expected cached config on second Get()")
	}

	Reset()
	reloaded, err := Get()
	if err != nil {
		t.Fatalf("Get() after Reset error = %v", err)
	}
	if reloaded == cfg {
		t.Error("expected a fresh config after Reset()")
	}
}
