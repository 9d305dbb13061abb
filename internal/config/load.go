package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions; a typo in a config file must fail loudly, not silently
// fall back to a default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// first-run experience: users can start without creating a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> CLI flags. It returns a validated Config
// whose SyncDir is tilde-expanded and absolute.
func Resolve(cli CLIOverrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// CLI overrides (pointer fields: nil = not specified).
	if cli.SyncDir != nil {
		cfg.Sync.SyncDir = *cli.SyncDir
	}

	if cfg.Sync.SyncDir == "" {
		cfg.Sync.SyncDir = defaultSyncDir()
	}

	expanded, err := ExpandTilde(cfg.Sync.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("expanding sync_dir: %w", err)
	}

	if !filepath.IsAbs(expanded) {
		expanded, err = filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("resolving sync_dir: %w", err)
		}
	}

	cfg.Sync.SyncDir = expanded

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ExpandTilde replaces a leading "~/" (or bare "~") with the user's home
// directory. Paths without a tilde prefix pass through unchanged.
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
