package launcher

import (
	"strings"
	"testing"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/sweep"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	projectDir := t.TempDir()
	if err := config.InitCrucibleDir(projectDir); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestBuildInvocationFlagPairs(t *testing.T) {
	cfg := testConfig(t)
	job := sweep.Job{
		SweepID:  "adaptive-phases",
		Seed:     42,
		Task:     "rte",
		Strategy: "ada_icl",
		Device:   2,
		Params: sweep.Params{
			Phases:         2,
			FewShot:        5,
			AnnotationSize: 20,
			Init:           "cluster",
			SampleK:        true,
		},
	}
	inv := BuildInvocation(cfg, job)
	if inv.Binary != "python" {
		t.Fatalf("binary = %q", inv.Binary)
	}
	if !strings.HasSuffix(inv.Args[0], "main_adaptive_phases.py") {
		t.Fatalf("script = %q", inv.Args[0])
	}
	pairs := map[string]string{
		"--phases":                       "2",
		"--few_shot":                     "5",
		"--task_name":                    "rte",
		"--selective_annotation_method":  "ada_icl",
		"--model_cache_dir":              "models/",
		"--data_cache_dir":               "datasets/",
		"--output_dir":                   "outputs/",
		"--annotation_size":              "20",
		"--model_name":                   "gpt-neo-1.3B",
		"--seed":                         "42",
		"--init":                         "cluster",
	}
	for flag, want := range pairs {
		got, ok := flagValue(inv.Args, flag)
		if !ok {
			t.Fatalf("missing flag %s in %v", flag, inv.Args)
		}
		if got != want {
			t.Fatalf("%s = %q, want %q", flag, got, want)
		}
	}
	if inv.Args[len(inv.Args)-1] != "--sample_k" {
		t.Fatalf("expected trailing --sample_k, got %v", inv.Args)
	}
	if len(inv.Env) != 1 || inv.Env[0] != "CUDA_VISIBLE_DEVICES=2" {
		t.Fatalf("env = %v", inv.Env)
	}
}

func TestBuildInvocationModelOverrideAndNoSampleK(t *testing.T) {
	cfg := testConfig(t)
	job := sweep.Job{
		Seed:     0,
		Task:     "sst2",
		Strategy: "random",
		Params: sweep.Params{
			Phases:         1,
			FewShot:        3,
			AnnotationSize: 10,
			Init:           "random",
			ModelName:      "gpt-j-6B",
		},
	}
	inv := BuildInvocation(cfg, job)
	got, _ := flagValue(inv.Args, "--model_name")
	if got != "gpt-j-6B" {
		t.Fatalf("model_name = %q, want override", got)
	}
	for _, arg := range inv.Args {
		if arg == "--sample_k" {
			t.Fatalf("unexpected --sample_k in %v", inv.Args)
		}
	}
}

func TestPlanLinesCoversWholeGrid(t *testing.T) {
	cfg := testConfig(t)
	def := sweep.SweepDefinition{
		ID:         "plan",
		Seeds:      []int{0, 1},
		Tasks:      []string{"sst2"},
		Strategies: []string{"random", "votek"},
	}
	lines, err := PlanLines(cfg, def)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("len(lines) = %d, want 4", len(lines))
	}
	if !strings.HasPrefix(lines[0], "CUDA_VISIBLE_DEVICES=") {
		t.Fatalf("line missing device pin: %s", lines[0])
	}
	if !strings.Contains(lines[3], "--seed 1") || !strings.Contains(lines[3], "--selective_annotation_method votek") {
		t.Fatalf("unexpected final line: %s", lines[3])
	}
}

func flagValue(args []string, flag string) (string, bool) {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}
