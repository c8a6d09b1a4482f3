package sweep

import (
	"fmt"
	"sort"
	"strings"
)

// Params carries the per-job flags that stay fixed across one sweep. Zero
// values are replaced by defaults during Normalized.
type Params struct {
	Phases         int    `json:"phases,omitempty" yaml:"phases,omitempty"`
	FewShot        int    `json:"few_shot,omitempty" yaml:"few_shot,omitempty"`
	AnnotationSize int    `json:"annotation_size,omitempty" yaml:"annotation_size,omitempty"`
	Init           string `json:"init,omitempty" yaml:"init,omitempty"`
	SampleK        bool   `json:"sample_k,omitempty" yaml:"sample_k,omitempty"`
	ModelName      string `json:"model_name,omitempty" yaml:"model_name,omitempty"`
}

// RuntimeConfig configures execution constraints for a sweep.
type RuntimeConfig struct {
	// Devices optionally overrides the project-level GPU list.
	Devices []int `json:"devices,omitempty" yaml:"devices,omitempty"`
	// DeviceOffset shifts job-to-device assignment, matching the static
	// index arithmetic research launchers use to share a box.
	DeviceOffset int `json:"device_offset,omitempty" yaml:"device_offset,omitempty"`
	// MaxParallel caps how many jobs run at once. Values <= 0 mean "one job
	// per device".
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	// TimeoutMinutes bounds a single job. Values <= 0 disable the limit.
	TimeoutMinutes int `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
}

// SweepDefinition declares a full experiment grid: the cartesian product of
// seeds, tasks, and selective-annotation strategies, plus the fixed parameters
// every resulting job shares.
type SweepDefinition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Seeds       []int             `json:"seeds" yaml:"seeds"`
	Tasks       []string          `json:"tasks" yaml:"tasks"`
	Strategies  []string          `json:"strategies" yaml:"strategies"`
	Params      Params            `json:"params,omitempty" yaml:"params,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     RuntimeConfig     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// DefaultDefinition returns the grid the project ships with: the adaptive-ICL
// strategy comparison across classification tasks.
func DefaultDefinition() SweepDefinition {
	return SweepDefinition{
		ID:          "adaptive-phases",
		Name:        "Adaptive ICL phases",
		Description: "Selective-annotation strategies across classification tasks",
		Seeds:       []int{0, 1, 42},
		Tasks:       []string{"sst2", "rte", "mrpc", "sst5", "trec"},
		Strategies:  []string{"random", "fast_votek", "votek", "ada_icl"},
		Params:      defaultParams(),
	}
}

func defaultParams() Params {
	return Params{
		Phases:         2,
		FewShot:        5,
		AnnotationSize: 20,
		Init:           "cluster",
		SampleK:        true,
	}
}

// Clone returns a deep copy of the sweep definition.
func (def SweepDefinition) Clone() SweepDefinition {
	clone := SweepDefinition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Params:      def.Params,
		Metadata:    cloneStringMap(def.Metadata),
		Runtime:     def.Runtime,
	}
	clone.Seeds = cloneIntSlice(def.Seeds)
	clone.Tasks = cloneStringSlice(def.Tasks)
	clone.Strategies = cloneStringSlice(def.Strategies)
	clone.Runtime.Devices = cloneIntSlice(def.Runtime.Devices)
	return clone
}

// Validate ensures the sweep definition is self-consistent.
func (def SweepDefinition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("sweep: id is required")
	}
	if len(def.Seeds) == 0 {
		return fmt.Errorf("sweep %s: at least one seed is required", def.ID)
	}
	if len(def.Tasks) == 0 {
		return fmt.Errorf("sweep %s: at least one task is required", def.ID)
	}
	if len(def.Strategies) == 0 {
		return fmt.Errorf("sweep %s: at least one strategy is required", def.ID)
	}
	seenSeeds := map[int]struct{}{}
	for _, seed := range def.Seeds {
		if seed < 0 {
			return fmt.Errorf("sweep %s: seed %d is negative", def.ID, seed)
		}
		if _, exists := seenSeeds[seed]; exists {
			return fmt.Errorf("sweep %s: duplicate seed %d", def.ID, seed)
		}
		seenSeeds[seed] = struct{}{}
	}
	if err := validateAxis(def.ID, "task", def.Tasks); err != nil {
		return err
	}
	if err := validateAxis(def.ID, "strategy", def.Strategies); err != nil {
		return err
	}
	if err := def.Runtime.validate(); err != nil {
		return fmt.Errorf("sweep %s runtime: %w", def.ID, err)
	}
	return nil
}

// Normalized clones the definition, fills parameter defaults, and validates
// the result.
func (def SweepDefinition) Normalized() (SweepDefinition, error) {
	clone := def.Clone()
	clone.Params = clone.Params.withDefaults()
	clone.Runtime = clone.Runtime.normalized()
	for i, task := range clone.Tasks {
		clone.Tasks[i] = strings.TrimSpace(task)
	}
	for i, strategy := range clone.Strategies {
		clone.Strategies[i] = strings.TrimSpace(strategy)
	}
	if err := clone.Validate(); err != nil {
		return SweepDefinition{}, err
	}
	return clone, nil
}

// JobCount returns the size of the expanded grid.
func (def SweepDefinition) JobCount() int {
	return len(def.Seeds) * len(def.Tasks) * len(def.Strategies)
}

func (p Params) withDefaults() Params {
	defaults := defaultParams()
	if p.Phases <= 0 {
		p.Phases = defaults.Phases
	}
	if p.FewShot <= 0 {
		p.FewShot = defaults.FewShot
	}
	if p.AnnotationSize <= 0 {
		p.AnnotationSize = defaults.AnnotationSize
	}
	if strings.TrimSpace(p.Init) == "" {
		p.Init = defaults.Init
	}
	return p
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.MaxParallel < 0 {
		cfg.MaxParallel = 0
	}
	if cfg.TimeoutMinutes < 0 {
		cfg.TimeoutMinutes = 0
	}
	return cfg
}

func (cfg RuntimeConfig) validate() error {
	if cfg.DeviceOffset < 0 {
		return fmt.Errorf("device_offset must be >= 0")
	}
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0")
	}
	for _, device := range cfg.Devices {
		if device < 0 {
			return fmt.Errorf("device index %d is negative", device)
		}
	}
	return nil
}

func validateAxis(sweepID, kind string, values []string) error {
	seen := map[string]struct{}{}
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return fmt.Errorf("sweep %s: empty %s name", sweepID, kind)
		}
		if _, exists := seen[trimmed]; exists {
			return fmt.Errorf("sweep %s: duplicate %s %s", sweepID, kind, trimmed)
		}
		seen[trimmed] = struct{}{}
	}
	return nil
}

// SortedMetadataKeys returns the metadata keys in stable order for rendering.
func (def SweepDefinition) SortedMetadataKeys() []string {
	if len(def.Metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(def.Metadata))
	for key := range def.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneIntSlice(values []int) []int {
	if len(values) == 0 {
		return nil
	}
	clone := make([]int, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
