package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"capnp-lsp/src/internal/common"
)

// DefaultFileName is looked up in the workspace root on initialize,
// whether or not a --config flag is given; fields it sets override the
// --config values.
const DefaultFileName = "capnp-lsp.yaml"

// Config contains server defaults. Client initializationOptions
// override everything set here.
type Config struct {
	CompilerPath string   `yaml:"compiler_path,omitempty"`
	ImportPaths  []string `yaml:"import_paths,omitempty"`
	LogLevel     string   `yaml:"log_level,omitempty"`
}

// DefaultConfig returns the built-in defaults: capnp on PATH, no import
// paths, warning-level logging.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "warning",
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// LoadWorkspaceConfig loads the workspace-level config file. It returns
// nil when the workspace carries no config file.
func LoadWorkspaceConfig(workspacePath string) *Config {
	path := filepath.Join(workspacePath, DefaultFileName)
	config, err := LoadConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			common.CLILogger.Warn("Ignoring workspace config %s: %v", path, err)
		}
		return nil
	}
	common.CLILogger.Info("Loaded workspace config from %s", path)
	return config
}

// Merge returns a copy of c with every field that is set in override
// replacing the corresponding field of c.
func (c *Config) Merge(override *Config) *Config {
	merged := *c
	if override == nil {
		return &merged
	}
	if override.CompilerPath != "" {
		merged.CompilerPath = override.CompilerPath
	}
	if len(override.ImportPaths) > 0 {
		merged.ImportPaths = override.ImportPaths
	}
	if override.LogLevel != "" {
		merged.LogLevel = override.LogLevel
	}
	return &merged
}

func validateConfig(config *Config) error {
	if config.CompilerPath != "" && !strings.HasSuffix(config.CompilerPath, "capnp") {
		return fmt.Errorf("compiler_path must end with 'capnp', got %q", config.CompilerPath)
	}
	switch strings.ToLower(config.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", config.LogLevel)
	}
	return nil
}
