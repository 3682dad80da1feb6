// Package config resolves the settings of a scratchfox run from an optional
// YAML file, the environment, and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks missing or invalid required input.
var ErrConfiguration = errors.New("config: invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvBrowserPath = "FIREFOX_PATH"
	EnvLogsDir     = "SCRATCHFOX_LOG_DIR"
	EnvRegistryURL = "SCRATCHFOX_REGISTRY_URL"
)

// Config holds the settings of one run.
type Config struct {
	// BrowserPath is the absolute path of the Firefox executable.
	BrowserPath string `yaml:"browser_path" json:"browser_path"`

	// RegistryURL is the versions-listing endpoint of the extension registry.
	// Empty means the fetcher default.
	RegistryURL string `yaml:"registry_url" json:"registry_url"`

	// ExtensionFile is the file name the extension package is written under.
	ExtensionFile string `yaml:"extension_file" json:"extension_file"`

	// LogsDir is where per-run log files are created.
	LogsDir string `yaml:"logs_dir" json:"logs_dir"`

	// ProfilePrefix is the name prefix of temporary profile directories.
	ProfilePrefix string `yaml:"profile_prefix" json:"profile_prefix"`

	// SeedFile replaces the built-in user.js overlay when set.
	SeedFile string `yaml:"seed_file" json:"seed_file"`

	// SkipExtension disables the ad-blocking extension.
	SkipExtension bool `yaml:"no_adblock" json:"no_adblock"`

	// Detached runs the browser from an independent background process.
	// Only settable from the command line.
	Detached bool `yaml:"-" json:"-"`
}

// DefaultPath returns ~/.config/scratchfox/config.yaml.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, "scratchfox", "config.yaml"), nil
}

// Load reads the YAML configuration at path. If path is empty the default
// location is used and a missing file yields an empty Config. A missing file
// that was named explicitly is a configuration error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		defaultPath, err := DefaultPath()
		if err != nil {
			return &Config{}, nil
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("%w: failed to read config file %s: %v", ErrConfiguration, path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %v", ErrConfiguration, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields with the non-empty environment variables
// returned by getenv (os.Getenv in production).
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvBrowserPath); v != "" {
		c.BrowserPath = v
	}
	if v := getenv(EnvLogsDir); v != "" {
		c.LogsDir = v
	}
	if v := getenv(EnvRegistryURL); v != "" {
		c.RegistryURL = v
	}
}

// Validate checks that the configuration is usable before any resource is
// allocated.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BrowserPath) == "" {
		return fmt.Errorf("%w: browser path is required (set %s)", ErrConfiguration, EnvBrowserPath)
	}

	if c.RegistryURL != "" && !c.SkipExtension {
		u, err := url.Parse(c.RegistryURL)
		if err != nil {
			return fmt.Errorf("%w: registry_url: %v", ErrConfiguration, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: registry_url must be http or https, got %q", ErrConfiguration, c.RegistryURL)
		}
	}

	if c.ProfilePrefix != "" && strings.ContainsAny(c.ProfilePrefix, `/\*?[]{}!`) {
		return fmt.Errorf("%w: profile_prefix %q must be a plain file name prefix", ErrConfiguration, c.ProfilePrefix)
	}

	if c.ExtensionFile != "" && filepath.Base(c.ExtensionFile) != c.ExtensionFile {
		return fmt.Errorf("%w: extension_file %q must be a file name, not a path", ErrConfiguration, c.ExtensionFile)
	}

	if c.SeedFile != "" {
		info, err := os.Stat(c.SeedFile)
		if err != nil {
			return fmt.Errorf("%w: seed_file: %v", ErrConfiguration, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: seed_file %q is a directory", ErrConfiguration, c.SeedFile)
		}
	}

	return nil
}
