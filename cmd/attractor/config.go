// ABOUTME: YAML config file loading layered under CLI flags, resolved through XDG directories.
// ABOUTME: Checks XDG_CONFIG_HOME/attractor/config.yaml, falling back to ~/.config/attractor/.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig holds the settings the config file may provide. Flags given
// on the command line always win.
type fileConfig struct {
	LogsDir      string  `yaml:"logs_dir"`
	WorkDir      string  `yaml:"workdir"`
	MaxSteps     *int    `yaml:"max_steps"`
	MaxBudgetUSD *string `yaml:"max_budget_usd"`
	Backend      string  `yaml:"backend"`
	Model        string  `yaml:"model"`
	BaseURL      string  `yaml:"base_url"`
}

// defaultConfigDir returns the attractor config directory, preferring
// XDG_CONFIG_HOME over ~/.config.
func defaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "attractor"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "attractor"), nil
}

// defaultDataDir returns the attractor data directory used for run logs
// when --logs is not given, preferring XDG_DATA_HOME over ~/.local/share.
func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "attractor"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "attractor"), nil
}

// loadFileConfig reads config.yaml from the config directory. A missing
// file is not an error; a malformed one is.
func loadFileConfig() (*fileConfig, error) {
	dir, err := defaultConfigDir()
	if err != nil {
		return &fileConfig{}, nil
	}

	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileConfig{}, nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}
