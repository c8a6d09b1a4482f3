package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/logbook"
	"github.com/kingrea/crucible/internal/results"
	"github.com/kingrea/crucible/internal/scheduler"
	"github.com/kingrea/crucible/internal/sweep"
)

// Launcher drives an expanded sweep: it asks the scheduler for runnable jobs,
// pins each to its GPU, records outcomes, and appends markers plus captured
// transcripts to the shared logbook.
type Launcher struct {
	cfg   *config.Config
	book  *logbook.Logbook
	store *results.Store
	exec  Executor
	log   *zap.SugaredLogger
}

// Option customizes the launcher instance.
type Option func(*Launcher)

// WithExecutor substitutes the process executor (primarily for tests).
func WithExecutor(e Executor) Option {
	return func(l *Launcher) {
		if e != nil {
			l.exec = e
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Launcher) {
		if logger != nil {
			l.log = logger
		}
	}
}

// New wires a launcher to the project config, logbook, and results store.
func New(cfg *config.Config, book *logbook.Logbook, store *results.Store, opts ...Option) (*Launcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("launcher: config is required")
	}
	if book == nil {
		return nil, fmt.Errorf("launcher: logbook is required")
	}
	if store == nil {
		return nil, fmt.Errorf("launcher: results store is required")
	}
	l := &Launcher{
		cfg:   cfg,
		book:  book,
		store: store,
		exec:  NewDirectExecutor(),
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// RunRequest configures one sweep execution.
type RunRequest struct {
	Definition sweep.SweepDefinition
	// Resume skips combinations already recorded as completed.
	Resume bool
	// MaxParallel overrides the definition's concurrency cap when > 0.
	MaxParallel int
	// Timeout overrides the per-job limit when > 0.
	Timeout time.Duration
}

// Summary reports what one sweep execution did.
type Summary struct {
	Total     int
	Skipped   int
	Launched  int
	Completed int
	Failed    int
	Canceled  int
}

type outcome struct {
	job   sweep.Job
	runID string
	res   *ExecutionResult
	err   error
}

// Run executes the sweep and blocks until every launched job has finished.
// Cancellation stops dispatching, kills running children, and still waits for
// them to be recorded before returning.
func (l *Launcher) Run(ctx context.Context, req RunRequest) (Summary, error) {
	def, err := req.Definition.Normalized()
	if err != nil {
		return Summary{}, err
	}
	if err := l.preflight(); err != nil {
		return Summary{}, err
	}
	devices := l.cfg.Devices()
	jobs, err := def.Expand(devices)
	if err != nil {
		return Summary{}, err
	}
	sched, err := scheduler.New(jobs)
	if err != nil {
		return Summary{}, err
	}

	finished := map[string]struct{}{}
	if req.Resume {
		completed, err := l.store.CompletedSet(def.ID)
		if err != nil {
			return Summary{}, err
		}
		finished = completed
	}

	summary := Summary{Total: len(jobs)}
	for _, job := range jobs {
		if _, done := finished[job.InstanceID()]; done {
			summary.Skipped++
		}
	}

	maxParallel := req.MaxParallel
	if maxParallel <= 0 {
		maxParallel = def.MaxParallelFor(devices)
	}
	timeout := req.Timeout
	if timeout <= 0 && def.Runtime.TimeoutMinutes > 0 {
		timeout = time.Duration(def.Runtime.TimeoutMinutes) * time.Minute
	}

	l.book.Info("sweep %s: %d jobs (%d already completed), max parallel %d",
		def.ID, summary.Total, summary.Skipped, maxParallel)
	l.log.Infow("sweep starting", "sweep", def.ID, "jobs", summary.Total,
		"skipped", summary.Skipped, "max_parallel", maxParallel)

	group, groupCtx := errgroup.WithContext(ctx)
	done := make(chan outcome)
	running := map[string]struct{}{}
	emittedSeeds := map[int]bool{}
	inflight := 0

	for {
		if groupCtx.Err() == nil {
			batch, err := sched.Runnable(scheduler.RunnableRequest{
				MaxParallel: maxParallel,
				Running:     setKeys(running),
				Completed:   finished,
			})
			if err != nil {
				return summary, err
			}
			for _, job := range batch.Jobs {
				l.dispatch(groupCtx, group, def, job, timeout, done, emittedSeeds)
				running[job.InstanceID()] = struct{}{}
				inflight++
				summary.Launched++
			}
		}
		if inflight == 0 {
			break
		}
		out := <-done
		inflight--
		delete(running, out.job.InstanceID())
		finished[out.job.InstanceID()] = struct{}{}
		l.settle(out, &summary)
	}
	if err := group.Wait(); err != nil {
		return summary, err
	}

	l.book.Info("sweep %s: done (%d completed, %d failed, %d canceled)",
		def.ID, summary.Completed, summary.Failed, summary.Canceled)
	l.log.Infow("sweep finished", "sweep", def.ID,
		"completed", summary.Completed, "failed", summary.Failed, "canceled", summary.Canceled)
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// dispatch writes the logbook markers for a job and starts it on the group.
func (l *Launcher) dispatch(ctx context.Context, group *errgroup.Group, def sweep.SweepDefinition,
	job sweep.Job, timeout time.Duration, done chan<- outcome, emittedSeeds map[int]bool) {
	if !emittedSeeds[job.Seed] {
		l.book.SeedHeader(def.ID, job.Seed)
		emittedSeeds[job.Seed] = true
	}
	l.book.JobMarker(job.TaskIndex, job.StrategyIndex, job.InstanceID())

	runID := uuid.NewString()
	transcriptPath := filepath.Join(l.cfg.RunsDir(), runID+".log")
	if err := l.store.RecordStart(results.FromJob(runID, job, transcriptPath)); err != nil {
		l.log.Errorw("record start failed", "job", job.InstanceID(), "error", err)
	}
	l.log.Infow("job dispatched", "job", job.InstanceID(), "device", job.Device, "run_id", runID)

	group.Go(func() error {
		res, err := l.runJob(ctx, job, transcriptPath, timeout)
		done <- outcome{job: job, runID: runID, res: res, err: err}
		return nil
	})
}

// runJob builds the invocation and executes it with the transcript mirrored
// to its per-run file.
func (l *Launcher) runJob(ctx context.Context, job sweep.Job, transcriptPath string, timeout time.Duration) (*ExecutionResult, error) {
	inv := BuildInvocation(l.cfg, job)
	cmd := Command{
		Binary:  inv.Binary,
		Args:    inv.Args,
		Dir:     inv.Dir,
		Env:     inv.Env,
		Timeout: timeout,
	}
	file, err := os.OpenFile(transcriptPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err == nil {
		cmd.Mirror = file
		defer file.Close()
	} else {
		l.log.Warnw("transcript file unavailable", "path", transcriptPath, "error", err)
	}
	return l.exec.Execute(ctx, cmd)
}

// settle records one finished job in the store, the logbook, and the summary.
func (l *Launcher) settle(out outcome, summary *Summary) {
	id := out.job.InstanceID()
	if out.err != nil {
		summary.Failed++
		l.book.Error("%s: launch failed: %v", id, out.err)
		l.log.Errorw("job launch failed", "job", id, "error", out.err)
		l.recordFinish(out.runID, results.StatusFailed, -1)
		return
	}
	res := out.res
	l.book.AppendTranscript(id, res.Output)
	switch {
	case res.Killed && strings.HasPrefix(res.KillReason, "canceled"):
		summary.Canceled++
		l.book.Warn("%s: canceled after %s", id, res.Duration.Round(time.Second))
		l.recordFinish(out.runID, results.StatusCanceled, res.ExitCode)
	case res.Killed:
		summary.Failed++
		l.book.Error("%s: killed (%s)", id, res.KillReason)
		l.recordFinish(out.runID, results.StatusFailed, res.ExitCode)
	case res.ExitCode == 0:
		summary.Completed++
		l.book.Info("%s: completed in %s", id, res.Duration.Round(time.Second))
		l.recordFinish(out.runID, results.StatusCompleted, 0)
	default:
		summary.Failed++
		l.book.Error("%s: exit code %d", id, res.ExitCode)
		l.recordFinish(out.runID, results.StatusFailed, res.ExitCode)
	}
	l.log.Infow("job finished", "job", id, "exit_code", exitCodeOf(res), "killed", res.Killed)
}

func (l *Launcher) recordFinish(runID string, status results.Status, exitCode int) {
	if err := l.store.RecordFinish(runID, status, exitCode, time.Now().UTC()); err != nil {
		l.log.Errorw("record finish failed", "run_id", runID, "error", err)
	}
}

// preflight validates the external program before any markers are written.
func (l *Launcher) preflight() error {
	if strings.TrimSpace(l.cfg.Project.Runner.Interpreter) == "" {
		return fmt.Errorf("launcher: runner interpreter is not configured")
	}
	script := l.cfg.Project.Runner.Script
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("launcher: runner script is not configured")
	}
	if !filepath.IsAbs(script) && l.cfg.ProjectDir != "" {
		script = filepath.Join(l.cfg.ProjectDir, script)
	}
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("launcher: runner script %s: %w", script, err)
	}
	if err := os.MkdirAll(l.cfg.RunsDir(), 0o755); err != nil {
		return fmt.Errorf("launcher: ensure runs dir: %w", err)
	}
	return nil
}

func setKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	return keys
}

func exitCodeOf(res *ExecutionResult) int {
	if res == nil {
		return -1
	}
	return res.ExitCode
}
