// internal/config/config.go
//
// This package handles configuration and the .crucible directory structure.
// Every project that drives sweeps with crucible gets a .crucible/ folder
// created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// CrucibleDir is the name of the directory we create in each project
	CrucibleDir = ".crucible"

	defaultSweepID = "adaptive-phases"
)

const defaultProjectConfigYAML = `# crucible project configuration
version: 1

# The external program every job invokes. The interpreter is resolved from
# PATH unless an absolute path is given.
runner:
  interpreter: python
  script: main_adaptive_phases.py

# Directories handed to every job on its command line.
paths:
  model_cache_dir: models/
  data_cache_dir: datasets/
  output_dir: outputs/

# GPU device indices available on this machine. Jobs are pinned to these via
# CUDA_VISIBLE_DEVICES.
devices: [0, 1, 2, 3]

defaults:
  model_name: gpt-neo-1.3B

sweeps:
  default: adaptive-phases
`

// RunnerConfig names the external program the launcher drives.
type RunnerConfig struct {
	Interpreter string `yaml:"interpreter"`
	Script      string `yaml:"script"`
}

// PathsConfig captures the cache and output directories passed to every job.
type PathsConfig struct {
	ModelCacheDir string `yaml:"model_cache_dir"`
	DataCacheDir  string `yaml:"data_cache_dir"`
	OutputDir     string `yaml:"output_dir"`
}

// DefaultsConfig holds values applied to sweeps that don't override them.
type DefaultsConfig struct {
	ModelName string `yaml:"model_name"`
}

// SweepsConfig captures sweep preferences.
type SweepsConfig struct {
	Default   string   `yaml:"default"`
	Available []string `yaml:"available,omitempty"`
}

// ProjectConfig models .crucible/config.yaml.
type ProjectConfig struct {
	Version  int            `yaml:"version"`
	Runner   RunnerConfig   `yaml:"runner"`
	Paths    PathsConfig    `yaml:"paths"`
	Devices  []int          `yaml:"devices"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Sweeps   SweepsConfig   `yaml:"sweeps"`
}

// Config holds the runtime configuration for crucible.
type Config struct {
	// ProjectDir is the directory where the user ran `crucible` from
	ProjectDir string

	// CrucibleProjectDir is ProjectDir/.crucible
	CrucibleProjectDir string

	Project ProjectConfig
}

// InitCrucibleDir creates the .crucible directory structure in the given
// project directory. This is called when any crucible command starts up.
//
// Structure created:
// .crucible/
// ├── logs/      <- sweep logbook plus the structured crucible log
// ├── state/     <- results database
// ├── runs/      <- per-job transcript files
// ├── sweeps/    <- YAML sweep definitions
// └── plugins/   <- Go sweep generators (interpreted, not compiled)
func InitCrucibleDir(projectDir string) error {
	crucibleDir := filepath.Join(projectDir, CrucibleDir)

	dirs := []string{
		filepath.Join(crucibleDir, "logs"),
		filepath.Join(crucibleDir, "state"),
		filepath.Join(crucibleDir, "runs"),
		filepath.Join(crucibleDir, "sweeps"),
		filepath.Join(crucibleDir, "plugins"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(crucibleDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:         projectDir,
		CrucibleProjectDir: filepath.Join(projectDir, CrucibleDir),
		Project:            defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.CrucibleProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.CrucibleProjectDir, "state")
}

// RunsDir returns the directory holding per-job transcript files
func (c *Config) RunsDir() string {
	return filepath.Join(c.CrucibleProjectDir, "runs")
}

// SweepsDir returns the directory holding YAML sweep definitions
func (c *Config) SweepsDir() string {
	return filepath.Join(c.CrucibleProjectDir, "sweeps")
}

// PluginsDir returns the directory holding interpreted Go sweep generators
func (c *Config) PluginsDir() string {
	return filepath.Join(c.CrucibleProjectDir, "plugins")
}

// LogbookPath returns the shared sweep log every job's markers land in.
func (c *Config) LogbookPath() string {
	return filepath.Join(c.LogsDir(), "sweep.log")
}

// ResultsDBPath returns the on-disk location of the results database.
func (c *Config) ResultsDBPath() string {
	return filepath.Join(c.StateDir(), "results.db")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.CrucibleProjectDir, "config.yaml")
}

// Devices returns the configured GPU device indices, defaulting to device 0
// when the config lists none.
func (c *Config) Devices() []int {
	if len(c.Project.Devices) == 0 {
		return []int{0}
	}
	out := make([]int, len(c.Project.Devices))
	copy(out, c.Project.Devices)
	return out
}

// DefaultSweep returns the configured default sweep identifier.
func (c *Config) DefaultSweep() string {
	if c.Project.Sweeps.Default == "" {
		return defaultSweepID
	}
	return c.Project.Sweeps.Default
}

// SetDefaultSweep updates the default sweep identifier and persists the value
// back to .crucible/config.yaml. The sweep ID is also appended to the
// available list so selectors can display it on future launches.
func (c *Config) SetDefaultSweep(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: sweep id is required")
	}
	c.Project.Sweeps.Default = id
	if !contains(c.Project.Sweeps.Available, id) {
		c.Project.Sweeps.Available = append(c.Project.Sweeps.Available, id)
	}
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.Project = mergeProjectConfig(c.Project, parsed)
	return nil
}

func (c *Config) saveProjectConfig() error {
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode project config: %w", err)
	}
	path := c.ProjectConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Runner: RunnerConfig{
			Interpreter: "python",
			Script:      "main_adaptive_phases.py",
		},
		Paths: PathsConfig{
			ModelCacheDir: "models/",
			DataCacheDir:  "datasets/",
			OutputDir:     "outputs/",
		},
		Devices: []int{0, 1, 2, 3},
		Defaults: DefaultsConfig{
			ModelName: "gpt-neo-1.3B",
		},
		Sweeps: SweepsConfig{Default: defaultSweepID},
	}
}

// mergeProjectConfig overlays values from disk onto the defaults so partial
// config files keep sane settings for everything they omit.
func mergeProjectConfig(base, overlay ProjectConfig) ProjectConfig {
	if overlay.Version != 0 {
		base.Version = overlay.Version
	}
	if strings.TrimSpace(overlay.Runner.Interpreter) != "" {
		base.Runner.Interpreter = overlay.Runner.Interpreter
	}
	if strings.TrimSpace(overlay.Runner.Script) != "" {
		base.Runner.Script = overlay.Runner.Script
	}
	if strings.TrimSpace(overlay.Paths.ModelCacheDir) != "" {
		base.Paths.ModelCacheDir = overlay.Paths.ModelCacheDir
	}
	if strings.TrimSpace(overlay.Paths.DataCacheDir) != "" {
		base.Paths.DataCacheDir = overlay.Paths.DataCacheDir
	}
	if strings.TrimSpace(overlay.Paths.OutputDir) != "" {
		base.Paths.OutputDir = overlay.Paths.OutputDir
	}
	if len(overlay.Devices) > 0 {
		base.Devices = overlay.Devices
	}
	if strings.TrimSpace(overlay.Defaults.ModelName) != "" {
		base.Defaults.ModelName = overlay.Defaults.ModelName
	}
	if strings.TrimSpace(overlay.Sweeps.Default) != "" {
		base.Sweeps.Default = overlay.Sweeps.Default
	}
	if len(overlay.Sweeps.Available) > 0 {
		base.Sweeps.Available = overlay.Sweeps.Available
	}
	return base
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644); err != nil {
		return fmt.Errorf("config: write default %s: %w", path, err)
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
