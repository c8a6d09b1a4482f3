package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	crucibleDir := filepath.Join(projectDir, ".crucible")
	if err := os.MkdirAll(crucibleDir, 0755); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, CrucibleProjectDir: crucibleDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.DefaultSweep() != defaultSweepID {
		t.Fatalf("expected default sweep %q, got %q", defaultSweepID, c.DefaultSweep())
	}
	if got := c.Devices(); len(got) != 4 || got[0] != 0 || got[3] != 3 {
		t.Fatalf("unexpected default devices: %v", got)
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	crucibleDir := filepath.Join(projectDir, ".crucible")
	if err := os.MkdirAll(crucibleDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
runner:
  interpreter: python3
  script: run_phases.py
paths:
  output_dir: results/
devices: [2, 3]
defaults:
  model_name: gpt-j-6B
sweeps:
  default: nightly
  available:
    - nightly
    - smoke
`)
	if err := os.WriteFile(filepath.Join(crucibleDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, CrucibleProjectDir: crucibleDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Runner.Interpreter != "python3" {
		t.Fatalf("wrong interpreter: %s", c.Project.Runner.Interpreter)
	}
	if c.Project.Runner.Script != "run_phases.py" {
		t.Fatalf("wrong script: %s", c.Project.Runner.Script)
	}
	// Omitted paths keep their defaults.
	if c.Project.Paths.ModelCacheDir != "models/" {
		t.Fatalf("expected default model cache dir, got %s", c.Project.Paths.ModelCacheDir)
	}
	if c.Project.Paths.OutputDir != "results/" {
		t.Fatalf("wrong output dir: %s", c.Project.Paths.OutputDir)
	}
	if got := c.Devices(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("unexpected devices: %v", got)
	}
	if c.DefaultSweep() != "nightly" {
		t.Fatalf("wrong default sweep: %s", c.DefaultSweep())
	}
}

func TestInitCrucibleDirWritesDefaultConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitCrucibleDir(projectDir); err != nil {
		t.Fatalf("InitCrucibleDir: %v", err)
	}
	for _, sub := range []string{"logs", "state", "runs", "sweeps", "plugins"} {
		if _, err := os.Stat(filepath.Join(projectDir, ".crucible", sub)); err != nil {
			t.Fatalf("missing %s directory: %v", sub, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(projectDir, ".crucible", "config.yaml"))
	if err != nil {
		t.Fatalf("read default config: %v", err)
	}
	if !strings.Contains(string(data), "main_adaptive_phases.py") {
		t.Fatalf("default config missing runner script:\n%s", data)
	}
	// A second init must not clobber an edited config.
	if err := os.WriteFile(filepath.Join(projectDir, ".crucible", "config.yaml"), []byte("version: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := InitCrucibleDir(projectDir); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(projectDir, ".crucible", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "version: 2" {
		t.Fatalf("re-init overwrote config: %q", data)
	}
}

func TestSetDefaultSweepPersists(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitCrucibleDir(projectDir); err != nil {
		t.Fatal(err)
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if err := c.SetDefaultSweep("smoke"); err != nil {
		t.Fatalf("SetDefaultSweep: %v", err)
	}
	reloaded, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.DefaultSweep() != "smoke" {
		t.Fatalf("default sweep not persisted: %s", reloaded.DefaultSweep())
	}
	if !contains(reloaded.Project.Sweeps.Available, "smoke") {
		t.Fatalf("available sweeps missing smoke: %v", reloaded.Project.Sweeps.Available)
	}
}
