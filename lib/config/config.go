// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "LAYERRUN_CONFIG"

// Config is the master configuration for layerrun.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Tools names the host and helper binaries layerrun executes.
	Tools ToolsConfig `yaml:"tools"`

	// Privilege configures how commands are run as root.
	Privilege PrivilegeConfig `yaml:"privilege"`

	// Shutdown configures the booted-container shutdown loop.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// RepoConfig is the path to the JSONC repository configuration.
	// Empty disables repo binds unless the layer requires them, in
	// which case the run fails.
	RepoConfig string `yaml:"repo_config"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Bin is where layerrun helper binaries are installed.
	// This provides hermetic binary paths independent of user PATH.
	// Contains: layerrun-entry, recv-fds-and-run, clonecaps.
	Bin string `yaml:"bin"`

	// Temp is where ephemeral bind targets and forwarder sockets are
	// created. Default: /tmp
	Temp string `yaml:"temp"`
}

// ToolsConfig names executables. Bare names are resolved through
// [Config.BinaryPath]; absolute paths are used as given. util-linux
// tools (nsenter, unshare) are always taken from PATH.
type ToolsConfig struct {
	Nspawn    string `yaml:"nspawn"`
	Entry     string `yaml:"entry"`
	RecvFDs   string `yaml:"recv_fds"`
	Clonecaps string `yaml:"clonecaps"`
}

// PrivilegeConfig configures privilege escalation.
type PrivilegeConfig struct {
	// Escalate is the argv prefix that runs a command as root. It is
	// elided when layerrun already runs as root.
	// Default: [sudo, --]
	Escalate []string `yaml:"escalate"`
}

// ShutdownConfig configures how a booted container is stopped.
type ShutdownConfig struct {
	// InitialDelay is the first wait after signalling init.
	// Default: 5ms
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the doubling backoff between signals.
	// Default: 250ms
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxWait bounds the whole shutdown; the console process is killed
	// once it is exceeded. Zero waits forever.
	MaxWait time.Duration `yaml:"max_wait"`
}

// Default returns the default configuration. It is also the base that
// a config file is merged into.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Temp: os.TempDir(),
		},
		Tools: ToolsConfig{
			Nspawn:    "systemd-nspawn",
			Entry:     "layerrun-entry",
			RecvFDs:   "recv-fds-and-run",
			Clonecaps: "clonecaps",
		},
		Privilege: PrivilegeConfig{
			Escalate: []string{"sudo", "--"},
		},
		Shutdown: ShutdownConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     250 * time.Millisecond,
		},
	}
}

// Load loads configuration from the file named by LAYERRUN_CONFIG, or
// returns [Default] when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The file is merged over [Default]: keys it omits keep their default
// values. Unknown keys are an error so that typos do not silently fall
// back to defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	vars["LAYERRUN_BIN"] = c.Paths.Bin // Update for dependent paths.

	c.Paths.Temp = expandVars(c.Paths.Temp, vars)
	c.RepoConfig = expandVars(c.RepoConfig, vars)
	for _, tool := range c.Tools.all() {
		*tool = expandVars(*tool, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

func (t *ToolsConfig) all() []*string {
	return []*string{&t.Nspawn, &t.Entry, &t.RecvFDs, &t.Clonecaps}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Temp == "" || !filepath.IsAbs(c.Paths.Temp) {
		errs = append(errs, fmt.Errorf("paths.temp must be an absolute path, got %q", c.Paths.Temp))
	}

	names := []string{"nspawn", "entry", "recv_fds", "clonecaps"}
	for i, tool := range c.Tools.all() {
		if *tool == "" {
			errs = append(errs, fmt.Errorf("tools.%s is required", names[i]))
		}
	}

	if c.Shutdown.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("shutdown.initial_delay must be positive"))
	}
	if c.Shutdown.MaxDelay < c.Shutdown.InitialDelay {
		errs = append(errs, fmt.Errorf("shutdown.max_delay (%s) must not be below shutdown.initial_delay (%s)",
			c.Shutdown.MaxDelay, c.Shutdown.InitialDelay))
	}
	if c.Shutdown.MaxWait < 0 {
		errs = append(errs, fmt.Errorf("shutdown.max_wait must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// BinaryPath resolves a tool name to a full path.
// Absolute names are returned unchanged. Otherwise it looks in Paths.Bin
// first, then falls back to exec.LookPath.
func (c *Config) BinaryPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	// If Bin is configured, look there first.
	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	// Fall back to PATH lookup.
	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
