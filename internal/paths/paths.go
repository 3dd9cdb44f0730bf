// Package paths provides standard filesystem paths used by routecfg.
// These helpers take configuration as input to avoid global config coupling.
package paths

import (
	"os"
	"path/filepath"

	"github.com/spin-stack/routecfg/internal/config"
)

const (
	stateDBName = "routecfg.db"

	// StateBucket is the bolt bucket holding per-VM network state.
	StateBucket = "vm-network"
)

// StateDBPath returns the path of the state database based on the provided configuration
func StateDBPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, stateDBName)
}

// GuestRoot returns the root filesystem directory of a VM
func GuestRoot(pathsCfg config.PathsConfig, vmID string) string {
	return filepath.Join(pathsCfg.GuestRootBase, vmID, "root")
}

// GuestRootExists reports whether the VM's root filesystem has been provisioned.
func GuestRootExists(pathsCfg config.PathsConfig, vmID string) bool {
	return dirExists(GuestRoot(pathsCfg, vmID))
}

// dirExists checks if a directory exists, resolving symlinks to the real path.
// This surfaces the real target but does not prevent TOCTOU issues.
func dirExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && info.IsDir()
}
