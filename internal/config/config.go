// Package config provides centralized configuration management for routecfg.
// All configuration is loaded from a JSON file at /etc/routecfg/config.json
// (overridable via ROUTECFG_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/routecfg/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "ROUTECFG_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Guest   GuestConfig   `json:"guest"`
	Network NetworkConfig `json:"network"`
}

// PathsConfig defines host filesystem paths
type PathsConfig struct {
	StateDir      string `json:"state_dir"`       // Holds the VM state database
	GuestRootBase string `json:"guest_root_base"` // VM roots live at <guest_root_base>/<vm id>/root
}

// GuestConfig names the files written into each guest root. All paths are
// relative to the guest root.
type GuestConfig struct {
	ResolverFile string `json:"resolver_file"`
	RouteFile    string `json:"route_file"`
	NetConfFile  string `json:"nwcfg_file"`
}

// NetworkConfig defines request handling limits and resolver defaults.
type NetworkConfig struct {
	// DefaultResolvers are used at creation when the request has no resolvers
	// and host resolvers are not inherited (or none are usable).
	DefaultResolvers []string `json:"default_resolvers"`

	// InheritHostResolvers copies the host's IPv4 nameservers into VMs
	// created without resolvers.
	InheritHostResolvers bool `json:"inherit_host_resolvers"`

	// MaxRoutes caps the routes a single VM may hold.
	MaxRoutes int `json:"max_routes"`

	// MaxResolvers caps the resolver list length.
	MaxResolvers int `json:"max_resolvers"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// Callers must ensure no concurrent Get() calls are in progress.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from ROUTECFG_CONFIG or /etc/routecfg/config.json.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Please create a config file or set %s environment variable", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:      "/var/lib/routecfg",
			GuestRootBase: "/zones",
		},
		Guest: GuestConfig{
			ResolverFile: "etc/resolv.conf",
			RouteFile:    "etc/inet/static_routes",
			NetConfFile:  "var/run/routecfg/nw-config.json",
		},
		Network: NetworkConfig{
			DefaultResolvers:     []string{"8.8.8.8", "8.8.4.4"},
			InheritHostResolvers: false,
			MaxRoutes:            256,
			MaxResolvers:         6,
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.GuestRootBase == "" {
		c.Paths.GuestRootBase = defaults.Paths.GuestRootBase
	}

	if c.Guest.ResolverFile == "" {
		c.Guest.ResolverFile = defaults.Guest.ResolverFile
	}
	if c.Guest.RouteFile == "" {
		c.Guest.RouteFile = defaults.Guest.RouteFile
	}
	if c.Guest.NetConfFile == "" {
		c.Guest.NetConfFile = defaults.Guest.NetConfFile
	}

	// An explicit empty list means "no default resolvers".
	if c.Network.DefaultResolvers == nil {
		c.Network.DefaultResolvers = defaults.Network.DefaultResolvers
	}
	if c.Network.MaxRoutes == 0 {
		c.Network.MaxRoutes = defaults.Network.MaxRoutes
	}
	if c.Network.MaxResolvers == 0 {
		c.Network.MaxResolvers = defaults.Network.MaxResolvers
	}
}
