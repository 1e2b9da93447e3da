package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"toolbridge/internal/engine"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.RepairBudget != 2 {
		t.Errorf("RepairBudget = %d, want default 2", cfg.Engine.RepairBudget)
	}
	if cfg.Oracle.Model != "gemini-2.0-flash" {
		t.Errorf("Model = %q", cfg.Oracle.Model)
	}
	if got := cfg.EngineConfig().PersistPolicy; got != engine.PersistOverwrite {
		t.Errorf("PersistPolicy = %q, want overwrite", got)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  repair_budget: 5
  timeout: 2m
  persist_policy: versioned
launcher:
  python_binary: /usr/bin/python3.12
oracle:
  model: gemini-2.5-pro
  timeout: 45s
history:
  enabled: false
sandbox:
  extra_packages:
    - encoding/xml
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	eng := cfg.EngineConfig()
	if eng.RepairBudget != 5 {
		t.Errorf("RepairBudget = %d, want 5", eng.RepairBudget)
	}
	if eng.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %s, want 2m", eng.Timeout)
	}
	if eng.PersistPolicy != engine.PersistVersioned {
		t.Errorf("PersistPolicy = %q", eng.PersistPolicy)
	}

	if cfg.LauncherConfig().PythonBinary != "/usr/bin/python3.12" {
		t.Errorf("PythonBinary = %q", cfg.LauncherConfig().PythonBinary)
	}
	if cfg.OracleConfig().Timeout != 45*time.Second {
		t.Errorf("oracle Timeout = %s", cfg.OracleConfig().Timeout)
	}
	if cfg.History.Enabled {
		t.Error("History.Enabled must be overridable to false")
	}
	if len(cfg.Sandbox.ExtraPackages) != 1 || cfg.Sandbox.ExtraPackages[0] != "encoding/xml" {
		t.Errorf("ExtraPackages = %v", cfg.Sandbox.ExtraPackages)
	}

	// Untouched sections keep defaults.
	if cfg.Registry.RootDir != "data/tool_registry" {
		t.Errorf("RootDir = %q, want default", cfg.Registry.RootDir)
	}
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  timeout: banana\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EngineConfig().Timeout != 60*time.Second {
		t.Errorf("Timeout = %s, want 60s fallback", cfg.EngineConfig().Timeout)
	}
}

func TestLoadAPIKeyFromEnv(t *testing.T) {
	t.Setenv("TOOLBRIDGE_GEMINI_API_KEY", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Oracle.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want env fallback", cfg.Oracle.APIKey)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
