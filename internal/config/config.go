// Package config loads the YAML configuration file and builds the typed
// settings each component consumes. Durations are written as strings
// ("30s", "2m") and parsed here; a missing file yields pure defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"toolbridge/internal/engine"
	"toolbridge/internal/launcher"
	"toolbridge/internal/logging"
	"toolbridge/internal/oracle"
	"toolbridge/internal/registry"
)

// Config is the full configuration file.
type Config struct {
	Logging  logging.Config `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Launcher LauncherConfig `yaml:"launcher"`
	Registry RegistryConfig `yaml:"registry"`
	Oracle   OracleConfig   `yaml:"oracle"`
	History  HistoryConfig  `yaml:"history"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	RepairBudget     int    `yaml:"repair_budget"`
	Timeout          string `yaml:"timeout"`
	PersistPolicy    string `yaml:"persist_policy"` // overwrite, versioned, never
	MaxConcurrent    int    `yaml:"max_concurrent"`
	DataPreviewBytes int    `yaml:"data_preview_bytes"`
}

// LauncherConfig configures the process launcher.
type LauncherConfig struct {
	WorkDir            string   `yaml:"work_dir"`
	DefaultTimeout     string   `yaml:"default_timeout"`
	MaxOutputBytes     int64    `yaml:"max_output_bytes"`
	PythonBinary       string   `yaml:"python_binary"`
	AllowedEnvironment []string `yaml:"allowed_environment"`
}

// RegistryConfig configures the filesystem registry.
type RegistryConfig struct {
	RootDir string `yaml:"root_dir"`
	Watch   bool   `yaml:"watch"`
}

// OracleConfig configures the repair oracle client.
type OracleConfig struct {
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	Timeout          string `yaml:"timeout"`
	TransientRetries int    `yaml:"transient_retries"`
	RetryBackoff     string `yaml:"retry_backoff"`
}

// HistoryConfig configures the execution audit log.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SandboxConfig configures the adapter sandbox.
type SandboxConfig struct {
	// ExtraPackages extends the stdlib import allow-list for adapters.
	ExtraPackages []string `yaml:"extra_packages"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Logging: logging.DefaultConfig(),
		Engine: EngineConfig{
			RepairBudget:     2,
			Timeout:          "60s",
			PersistPolicy:    string(engine.PersistOverwrite),
			DataPreviewBytes: 5000,
		},
		Launcher: LauncherConfig{
			WorkDir:        "data/workdir",
			DefaultTimeout: "60s",
			MaxOutputBytes: 1024 * 1024,
			PythonBinary:   "python3",
		},
		Registry: RegistryConfig{
			RootDir: "data/tool_registry",
			Watch:   true,
		},
		Oracle: OracleConfig{
			Model:            "gemini-2.0-flash",
			Timeout:          "30s",
			TransientRetries: 2,
			RetryBackoff:     "1s",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "data/history.db",
		},
	}
}

// Load reads the config file at path, overlaying it on the defaults. A
// missing file is not an error. The oracle API key falls back to the
// TOOLBRIDGE_GEMINI_API_KEY and GEMINI_API_KEY environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults only.
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if cfg.Oracle.APIKey == "" {
		if key := os.Getenv("TOOLBRIDGE_GEMINI_API_KEY"); key != "" {
			cfg.Oracle.APIKey = key
		} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.Oracle.APIKey = key
		}
	}

	return &cfg, nil
}

// EngineConfig builds the typed engine settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		RepairBudget:     c.Engine.RepairBudget,
		Timeout:          parseDuration(c.Engine.Timeout, 60*time.Second),
		PersistPolicy:    engine.PersistPolicy(c.Engine.PersistPolicy),
		MaxConcurrent:    c.Engine.MaxConcurrent,
		DataPreviewBytes: c.Engine.DataPreviewBytes,
	}
}

// LauncherConfig builds the typed launcher settings.
func (c *Config) LauncherConfig() launcher.Config {
	return launcher.Config{
		WorkDir:            c.Launcher.WorkDir,
		DefaultTimeout:     parseDuration(c.Launcher.DefaultTimeout, 60*time.Second),
		MaxOutputBytes:     c.Launcher.MaxOutputBytes,
		PythonBinary:       c.Launcher.PythonBinary,
		AllowedEnvironment: c.Launcher.AllowedEnvironment,
	}
}

// RegistryConfig builds the typed registry settings.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		RootDir: c.Registry.RootDir,
		Watch:   c.Registry.Watch,
	}
}

// OracleConfig builds the typed oracle settings.
func (c *Config) OracleConfig() oracle.Config {
	return oracle.Config{
		APIKey:           c.Oracle.APIKey,
		Model:            c.Oracle.Model,
		Timeout:          parseDuration(c.Oracle.Timeout, 30*time.Second),
		TransientRetries: c.Oracle.TransientRetries,
		RetryBackoff:     parseDuration(c.Oracle.RetryBackoff, time.Second),
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
