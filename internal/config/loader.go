package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/jvmprof/internal/constants"
	"github.com/coral-mesh/jvmprof/internal/safe"
)

// DefaultPath returns the config file location. The directory is resolved in
// this order:
//  1. JVMPROF_CONFIG environment variable.
//  2. User home directory (~/.jvmprof).
//  3. The working directory.
func DefaultPath() string {
	if dir := os.Getenv(constants.EnvConfig); dir != "" {
		return filepath.Join(dir, constants.ConfigFile)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, constants.DefaultDir, constants.ConfigFile)
	}
	return filepath.Join(constants.DefaultDir, constants.ConfigFile)
}

// Load reads the config at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error when
// path is the default location.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := safe.ReadFile(path, nil)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
