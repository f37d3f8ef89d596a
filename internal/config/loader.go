package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// DefaultDataDir is created under the user home directory when no
	// data directory is configured.
	DefaultDataDir = ".mcpbundler"

	// ConfigFileName is the default config file name inside the data dir.
	ConfigFileName = "mcpbundler.json"
)

// Environment variable overrides. The encryption secret is intentionally
// only available via environment; it never appears in the config file.
const (
	EnvWildcardToken = "MCPBUNDLER_WILDCARD_TOKEN" //nolint:gosec // env var name, not a credential
	EnvDataDir       = "MCPBUNDLER_DATA_DIR"
	EnvPort          = "MCPBUNDLER_PORT"
	EnvHost          = "MCPBUNDLER_HOST"
)

// Load loads configuration from an optional file path, applies environment
// overrides, resolves the data directory and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv(EnvWildcardToken); v != "" {
		cfg.WildcardToken = v
		cfg.AllowWildcardToken = true
	}
}

// SaveDefault writes a default config file to the given path if none exists.
func SaveDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := DefaultConfig()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
