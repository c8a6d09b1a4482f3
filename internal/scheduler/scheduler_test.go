package scheduler

import (
	"testing"

	"github.com/kingrea/crucible/internal/sweep"
)

func expandTestGrid(t *testing.T) []sweep.Job {
	t.Helper()
	def := sweep.SweepDefinition{
		ID:         "test",
		Seeds:      []int{0},
		Tasks:      []string{"sst2", "rte"},
		Strategies: []string{"random", "votek"},
	}
	jobs, err := def.Expand([]int{0, 1})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	return jobs
}

func TestRunnableReturnsOneJobPerDevice(t *testing.T) {
	sched, err := New(expandTestGrid(t))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	batch, err := sched.Runnable(RunnableRequest{})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	// Two devices exist, so at most two jobs despite four being pending.
	if len(batch.Jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(batch.Jobs))
	}
	if batch.Jobs[0].Device == batch.Jobs[1].Device {
		t.Fatalf("batch shares device %d", batch.Jobs[0].Device)
	}
	if batch.Jobs[0].InstanceID() != "s0/sst2/random" {
		t.Fatalf("unexpected first job: %s", batch.Jobs[0].InstanceID())
	}
}

func TestRunnableSkipsRunningAndCompleted(t *testing.T) {
	sched, err := New(expandTestGrid(t))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	batch, err := sched.Runnable(RunnableRequest{
		Running:   []string{"s0/sst2/random"},
		Completed: map[string]struct{}{"s0/sst2/votek": {}},
	})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	// Device 0 is held by the running job; only the votek job on device 1
	// from the next inner batch is eligible.
	if len(batch.Jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1: %v", len(batch.Jobs), batch.Jobs)
	}
	if batch.Jobs[0].InstanceID() != "s0/rte/votek" {
		t.Fatalf("unexpected job: %s", batch.Jobs[0].InstanceID())
	}
	if reason := batch.Skipped["s0/sst2/random"].Reason; reason != SkipReasonActive {
		t.Fatalf("running job skip reason = %s", reason)
	}
	if reason := batch.Skipped["s0/sst2/votek"].Reason; reason != SkipReasonCompleted {
		t.Fatalf("completed job skip reason = %s", reason)
	}
	if reason := batch.Skipped["s0/rte/random"].Reason; reason != SkipReasonDeviceBusy {
		t.Fatalf("device-busy job skip reason = %s", reason)
	}
}

func TestRunnableHonorsMaxParallel(t *testing.T) {
	sched, err := New(expandTestGrid(t))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	batch, err := sched.Runnable(RunnableRequest{
		MaxParallel: 1,
		Running:     []string{"s0/sst2/random"},
	})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Jobs) != 0 {
		t.Fatalf("expected empty batch at max parallel, got %v", batch.Jobs)
	}
	skip, ok := batch.Skipped["s0/sst2/votek"]
	if !ok {
		t.Fatalf("expected concurrency skip for next pending job: %v", batch.Skipped)
	}
	if skip.Reason != SkipReasonConcurrency {
		t.Fatalf("skip reason = %s, want concurrency", skip.Reason)
	}
}

func TestRunnableBatchSizeLimit(t *testing.T) {
	sched, err := New(expandTestGrid(t))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 1})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(batch.Jobs))
	}
}

func TestRemainingCountsPendingJobs(t *testing.T) {
	sched, err := New(expandTestGrid(t))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	got := sched.Remaining(
		[]string{"s0/sst2/random"},
		map[string]struct{}{"s0/sst2/votek": {}},
	)
	if got != 2 {
		t.Fatalf("Remaining = %d, want 2", got)
	}
}
