package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spin-stack/routecfg/internal/config"
)

func TestStateDBPath(t *testing.T) {
	got := StateDBPath(config.PathsConfig{StateDir: "/var/lib/routecfg"})
	if got != "/var/lib/routecfg/routecfg.db" {
		t.Errorf("StateDBPath() = %s", got)
	}
}

func TestGuestRoot(t *testing.T) {
	got := GuestRoot(config.PathsConfig{GuestRootBase: "/zones"}, "vm1")
	if got != "/zones/vm1/root" {
		t.Errorf("GuestRoot() = %s", got)
	}
}

func TestGuestRootExists(t *testing.T) {
	base := t.TempDir()
	cfg := config.PathsConfig{GuestRootBase: base}

	if GuestRootExists(cfg, "vm1") {
		t.Error("expected missing guest root")
	}

	if err := os.MkdirAll(filepath.Join(base, "vm1", "root"), 0755); err != nil {
		t.Fatal(err)
	}
	if !GuestRootExists(cfg, "vm1") {
		t.Error("expected guest root to exist")
	}

	// A symlinked root counts when its target is a directory.
	if err := os.MkdirAll(filepath.Join(base, "vm2"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(base, "vm1", "root"), filepath.Join(base, "vm2", "root")); err != nil {
		t.Fatal(err)
	}
	if !GuestRootExists(cfg, "vm2") {
		t.Error("expected symlinked guest root to exist")
	}
}

func TestDirExistsFailsForBrokenSymlink(t *testing.T) {
	tmpDir := t.TempDir()
	brokenLink := filepath.Join(tmpDir, "broken")
	if err := os.Symlink("/nonexistent/target", brokenLink); err != nil {
		t.Fatal(err)
	}
	if dirExists(brokenLink) {
		t.Error("dirExists should return false for broken symlink")
	}
}
