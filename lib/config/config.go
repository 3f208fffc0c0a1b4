// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the configuration file when no --config
// flag is given.
const EnvironmentVariable = "ROOTSWAP_CONFIG"

// Config is the master configuration for rootswap.
type Config struct {
	// Paths configures file system locations.
	Paths PathsConfig `yaml:"paths"`

	// Retention configures how many superseded deployments are kept.
	Retention RetentionConfig `yaml:"retention"`

	// Validation configures the bootability checks run on a staged
	// deployment before it is committed.
	Validation ValidationConfig `yaml:"validation"`

	// Boot configures the generated boot entries.
	Boot BootConfig `yaml:"boot"`

	// TreeStore configures image retrieval.
	TreeStore TreeStoreConfig `yaml:"treestore"`

	// Lock configures waiting for the sysroot lock.
	Lock LockConfig `yaml:"lock"`
}

// PathsConfig configures file system locations.
type PathsConfig struct {
	// Sysroot is the directory holding the deployment list, the
	// deployments, the tree store, and the shared /var.
	// Default: /sysroot
	Sysroot string `yaml:"sysroot"`

	// Boot is the boot partition the loader entries are written to.
	// Default: /boot
	Boot string `yaml:"boot"`

	// Cmdline is read to find the booted deployment.
	// Default: /proc/cmdline
	Cmdline string `yaml:"cmdline"`
}

// RetentionConfig configures how many superseded deployments are kept.
type RetentionConfig struct {
	// RollbackSlots is how many superseded deployments stay bootable.
	// Default: 1
	RollbackSlots int `yaml:"rollback_slots"`

	// Stale is how many unpinned Stale deployments prune keeps.
	// Default: 0
	Stale int `yaml:"stale"`
}

// ValidationConfig configures bootability checks.
type ValidationConfig struct {
	// RequiredPaths must exist in every deployed tree.
	// Default: usr, usr/lib/os-release
	RequiredPaths []string `yaml:"required_paths"`

	// RequireKernel requires usr/lib/modules/*/vmlinuz.
	// Default: true
	RequireKernel bool `yaml:"require_kernel"`

	// InitPaths are init candidates; at least one must exist. Empty
	// disables the check.
	InitPaths []string `yaml:"init_paths"`
}

// BootConfig configures the generated boot entries.
type BootConfig struct {
	// KernelArgs are recorded on new deployments and added to their
	// boot entries.
	KernelArgs []string `yaml:"kernel_args"`

	// Title is the boot menu title.
	// Default: Linux
	Title string `yaml:"title"`
}

// TreeStoreConfig configures image retrieval.
type TreeStoreConfig struct {
	// AgeIdentityFile holds age identities for decrypting .age image
	// archives. Empty means encrypted archives are rejected.
	AgeIdentityFile string `yaml:"age_identity_file"`
}

// LockConfig configures waiting for the sysroot lock.
type LockConfig struct {
	// WaitTimeout bounds how long --wait retries lock contention.
	// Default: 5m
	WaitTimeout string `yaml:"wait_timeout"`
}

// Default returns the default configuration. Loaded files are merged
// over it, so a file only needs the values it changes.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Sysroot: "/sysroot",
			Boot:    "/boot",
			Cmdline: "/proc/cmdline",
		},
		Retention: RetentionConfig{
			RollbackSlots: 1,
			Stale:         0,
		},
		Validation: ValidationConfig{
			RequiredPaths: []string{"usr", "usr/lib/os-release"},
			RequireKernel: true,
			InitPaths:     []string{"usr/lib/systemd/systemd", "sbin/init", "usr/sbin/init", "usr/bin/init"},
		},
		Boot: BootConfig{
			Title: "Linux",
		},
		Lock: LockConfig{
			WaitTimeout: "5m",
		},
	}
}

// Load loads configuration from the ROOTSWAP_CONFIG environment
// variable. If it is not set, Load fails; use Resolve to fall back to
// the defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your rootswap config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// Default, with variables expanded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

// Resolve loads the file named by flagPath, else the file named by
// ROOTSWAP_CONFIG, else returns the defaults. The result is validated.
func Resolve(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}
	var cfg *Config
	if path == "" {
		cfg = Default()
		cfg.expandVariables()
	} else {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a single configuration file into the config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so one decoder and one set of
		// field tags serve both formats.
		data = jsonc.ToJSON(data)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"ROOTSWAP_SYSROOT": c.Paths.Sysroot,
		"HOME":             os.Getenv("HOME"),
	}

	c.Paths.Sysroot = expandVars(c.Paths.Sysroot, vars)
	vars["ROOTSWAP_SYSROOT"] = c.Paths.Sysroot // Update for dependent paths.

	c.Paths.Boot = expandVars(c.Paths.Boot, vars)
	c.Paths.Cmdline = expandVars(c.Paths.Cmdline, vars)
	c.TreeStore.AgeIdentityFile = expandVars(c.TreeStore.AgeIdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
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

// WaitTimeout returns lock.wait_timeout as a duration.
func (c *Config) WaitTimeout() time.Duration {
	timeout, _ := time.ParseDuration(c.Lock.WaitTimeout)
	return timeout
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	paths := []struct{ name, value string }{
		{"paths.sysroot", c.Paths.Sysroot},
		{"paths.boot", c.Paths.Boot},
		{"paths.cmdline", c.Paths.Cmdline},
	}
	for _, path := range paths {
		if path.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", path.name))
		} else if !filepath.IsAbs(path.value) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", path.name, path.value))
		}
	}

	if c.Retention.RollbackSlots < 0 {
		errs = append(errs, fmt.Errorf("retention.rollback_slots must not be negative"))
	}
	if c.Retention.Stale < 0 {
		errs = append(errs, fmt.Errorf("retention.stale must not be negative"))
	}

	for _, required := range c.Validation.RequiredPaths {
		if filepath.IsAbs(required) || strings.HasPrefix(filepath.Clean(required), "..") {
			errs = append(errs, fmt.Errorf("validation.required_paths entry %q must be relative to the tree", required))
		}
	}

	for _, argument := range c.Boot.KernelArgs {
		if strings.ContainsAny(argument, " \t\n") {
			errs = append(errs, fmt.Errorf("boot.kernel_args entry %q contains whitespace", argument))
		}
	}

	if timeout, err := time.ParseDuration(c.Lock.WaitTimeout); err != nil {
		errs = append(errs, fmt.Errorf("lock.wait_timeout: %w", err))
	} else if timeout < 0 {
		errs = append(errs, fmt.Errorf("lock.wait_timeout must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
