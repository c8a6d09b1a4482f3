// Command job-runner executes a single seed/task/strategy combination in the
// foreground, mirroring the child's output to stdout. It records the run in
// the same results database and logbook the sweep launcher uses, so one-off
// reruns of a failed cell show up in `crucible status`.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/launcher"
	"github.com/kingrea/crucible/internal/logbook"
	"github.com/kingrea/crucible/internal/results"
	"github.com/kingrea/crucible/internal/sweep"
	"github.com/kingrea/crucible/plugins"
)

func main() {
	projectDir := flag.String("project", "", "path to the project directory (defaults to cwd)")
	sweepFlag := flag.String("sweep", "", "sweep definition supplying parameters (defaults to project default)")
	seed := flag.Int("seed", 0, "random seed for the run")
	task := flag.String("task", "", "task name (e.g. sst2)")
	strategy := flag.String("strategy", "", "selective annotation method (e.g. votek)")
	device := flag.Int("device", 0, "GPU index to pin via CUDA_VISIBLE_DEVICES")
	timeout := flag.Duration("timeout", 0, "kill the job after this long (0 = no limit)")
	flag.Parse()

	if strings.TrimSpace(*task) == "" {
		die("--task is required")
	}
	if strings.TrimSpace(*strategy) == "" {
		die("--strategy is required")
	}

	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	if err := config.InitCrucibleDir(absoluteProject); err != nil {
		die("init .crucible: %v", err)
	}
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}

	def, err := lookupDefinition(cfg, *sweepFlag)
	if err != nil {
		die("%v", err)
	}
	job := sweep.Job{
		SweepID:  def.ID,
		Seed:     *seed,
		Task:     strings.TrimSpace(*task),
		Strategy: strings.TrimSpace(*strategy),
		Params:   def.Params,
		Device:   *device,
	}

	book, err := logbook.New(cfg.LogbookPath())
	if err != nil {
		die("open logbook: %v", err)
	}
	store, err := results.Open(cfg.ResultsDBPath())
	if err != nil {
		die("open results store: %v", err)
	}
	defer store.Close()

	runID := uuid.NewString()
	transcriptPath := filepath.Join(cfg.RunsDir(), runID+".log")
	transcript, err := os.Create(transcriptPath)
	if err != nil {
		die("create transcript: %v", err)
	}
	defer transcript.Close()

	run := results.FromJob(runID, job, transcriptPath)
	run.StartedAt = time.Now().UTC()
	if err := store.RecordStart(run); err != nil {
		die("record start: %v", err)
	}
	book.Info("job-runner launching %s on gpu %d", job.InstanceID(), job.Device)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inv := launcher.BuildInvocation(cfg, job)
	fmt.Println(inv.String())
	res, err := launcher.NewDirectExecutor().Execute(ctx, launcher.Command{
		Binary:  inv.Binary,
		Args:    inv.Args,
		Dir:     inv.Dir,
		Env:     inv.Env,
		Timeout: *timeout,
		Mirror:  io.MultiWriter(os.Stdout, transcript),
	})
	if err != nil {
		_ = store.RecordFinish(runID, results.StatusFailed, -1, time.Now().UTC())
		book.Error("job-runner %s could not start: %v", job.InstanceID(), err)
		die("run job: %v", err)
	}

	book.AppendTranscript(job.InstanceID(), res.Output)
	status := results.StatusCompleted
	switch {
	case res.Killed && res.KillReason == "canceled":
		status = results.StatusCanceled
	case res.Killed:
		status = results.StatusFailed
	case res.ExitCode != 0:
		status = results.StatusFailed
	}
	if err := store.RecordFinish(runID, status, res.ExitCode, time.Now().UTC()); err != nil {
		die("record finish: %v", err)
	}

	fmt.Printf("%s finished: %s (exit %d, %s)\n", job.InstanceID(), status, res.ExitCode, res.Duration.Round(time.Second))
	if status != results.StatusCompleted {
		os.Exit(1)
	}
}

func lookupDefinition(cfg *config.Config, id string) (sweep.SweepDefinition, error) {
	catalog, err := plugins.Discover(cfg)
	if err != nil {
		return sweep.SweepDefinition{}, err
	}
	if strings.TrimSpace(id) == "" {
		id = cfg.DefaultSweep()
	}
	def, ok := catalog.Lookup(id)
	if !ok {
		return sweep.SweepDefinition{}, fmt.Errorf("sweep %s not found", id)
	}
	return def.Normalized()
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
