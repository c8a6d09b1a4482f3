package launcher

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/sweep"
)

// Invocation is the fully resolved command line plus environment for one job.
type Invocation struct {
	Binary string
	Args   []string
	Dir    string
	// Env holds extra variables appended to the inherited environment.
	Env []string
}

// BuildInvocation constructs the external command for a single grid cell.
// The flag surface matches what main_adaptive_phases.py accepts; the GPU pin
// travels in CUDA_VISIBLE_DEVICES rather than on the command line.
func BuildInvocation(cfg *config.Config, job sweep.Job) Invocation {
	modelName := strings.TrimSpace(job.Params.ModelName)
	if modelName == "" {
		modelName = cfg.Project.Defaults.ModelName
	}
	script := cfg.Project.Runner.Script
	if !filepath.IsAbs(script) && cfg.ProjectDir != "" {
		script = filepath.Join(cfg.ProjectDir, script)
	}
	args := []string{
		script,
		"--phases", strconv.Itoa(job.Params.Phases),
		"--few_shot", strconv.Itoa(job.Params.FewShot),
		"--task_name", job.Task,
		"--selective_annotation_method", job.Strategy,
		"--model_cache_dir", cfg.Project.Paths.ModelCacheDir,
		"--data_cache_dir", cfg.Project.Paths.DataCacheDir,
		"--output_dir", cfg.Project.Paths.OutputDir,
		"--annotation_size", strconv.Itoa(job.Params.AnnotationSize),
		"--model_name", modelName,
		"--seed", strconv.Itoa(job.Seed),
		"--init", job.Params.Init,
	}
	if job.Params.SampleK {
		args = append(args, "--sample_k")
	}
	return Invocation{
		Binary: cfg.Project.Runner.Interpreter,
		Args:   args,
		Dir:    cfg.ProjectDir,
		Env:    []string{fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", job.Device)},
	}
}

// String renders the invocation the way a shell user would type it.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Env)+1+len(inv.Args))
	parts = append(parts, inv.Env...)
	parts = append(parts, inv.Binary)
	parts = append(parts, inv.Args...)
	return strings.Join(parts, " ")
}

// PlanLines renders one command line per grid cell without launching
// anything. `crucible plan` prints these for review.
func PlanLines(cfg *config.Config, def sweep.SweepDefinition) ([]string, error) {
	jobs, err := def.Expand(cfg.Devices())
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		lines = append(lines, BuildInvocation(cfg, job).String())
	}
	return lines, nil
}
