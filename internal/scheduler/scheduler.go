package scheduler

import (
	"fmt"

	"github.com/kingrea/crucible/internal/sweep"
)

// Selector exposes the minimal contract the launcher needs to request
// runnable job batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of an expanded job matrix. It walks
// the grid in declaration order, filters jobs that are truly runnable, and
// enforces device and concurrency constraints.
type Scheduler struct {
	jobs []sweep.Job
}

// New wires a Scheduler to an expanded grid snapshot.
func New(jobs []sweep.Job) (*Scheduler, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("scheduler: at least one job is required")
	}
	copyJobs := make([]sweep.Job, len(jobs))
	copy(copyJobs, jobs)
	return &Scheduler{jobs: copyJobs}, nil
}

// RunnableRequest captures the current runtime state plus any scheduling
// constraints. The Scheduler produces batches that satisfy these constraints.
type RunnableRequest struct {
	// BatchSize limits how many runnable jobs are returned at once. Values
	// <= 0 are treated as "no limit" (subject to MaxParallel enforcement).
	BatchSize int
	// MaxParallel caps how many jobs may be active at once, including the
	// jobs listed in Running. Values <= 0 disable the limit.
	MaxParallel int
	// Running should list job instance IDs that are currently executing so
	// the scheduler won't dispatch them twice.
	Running []string
	// Completed lists instance IDs already recorded as finished. Resumed
	// sweeps populate this from the results store.
	Completed map[string]struct{}
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Jobs    []sweep.Job
	Skipped map[string]SkipReason
}

// SkipReason explains why a job was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonActive      SkipReasonCode = "already-running"
	SkipReasonCompleted   SkipReasonCode = "completed"
	SkipReasonDeviceBusy  SkipReasonCode = "device-busy"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
)

// Runnable returns a batch of runnable jobs constrained by the request. Jobs
// in one batch never share a device, so every returned job can be pinned to
// its GPU immediately.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	running := req.runningSet()
	result := RunnableBatch{}
	maxBatch := req.batchLimit(len(s.jobs), len(running))
	if maxBatch == 0 {
		if req.MaxParallel > 0 && len(running) >= req.MaxParallel {
			if next, ok := s.nextPending(running, req.Completed); ok {
				result.addSkip(next.InstanceID(), SkipReason{
					Reason: SkipReasonConcurrency,
					Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel),
				})
			}
		}
		return result, nil
	}
	busyDevices := s.busyDeviceSet(running)
	for _, job := range s.jobs {
		id := job.InstanceID()
		if _, done := req.Completed[id]; done {
			result.addSkip(id, SkipReason{Reason: SkipReasonCompleted, Detail: "recorded in results store"})
			continue
		}
		if _, active := running[id]; active {
			result.addSkip(id, SkipReason{Reason: SkipReasonActive, Detail: "job already running"})
			continue
		}
		if _, busy := busyDevices[job.Device]; busy {
			result.addSkip(id, SkipReason{Reason: SkipReasonDeviceBusy, Detail: fmt.Sprintf("device %d in use", job.Device)})
			continue
		}
		result.Jobs = append(result.Jobs, job)
		busyDevices[job.Device] = struct{}{}
		if len(result.Jobs) >= maxBatch {
			break
		}
	}
	return result, nil
}

// Remaining reports how many jobs are neither running nor completed.
func (s *Scheduler) Remaining(running []string, completed map[string]struct{}) int {
	runningSet := RunnableRequest{Running: running}.runningSet()
	count := 0
	for _, job := range s.jobs {
		id := job.InstanceID()
		if _, done := completed[id]; done {
			continue
		}
		if _, active := runningSet[id]; active {
			continue
		}
		count++
	}
	return count
}

func (s *Scheduler) nextPending(running map[string]struct{}, completed map[string]struct{}) (sweep.Job, bool) {
	for _, job := range s.jobs {
		id := job.InstanceID()
		if _, done := completed[id]; done {
			continue
		}
		if _, active := running[id]; active {
			continue
		}
		return job, true
	}
	return sweep.Job{}, false
}

// busyDeviceSet marks devices claimed by currently running jobs.
func (s *Scheduler) busyDeviceSet(running map[string]struct{}) map[int]struct{} {
	busy := map[int]struct{}{}
	for _, job := range s.jobs {
		if _, active := running[job.InstanceID()]; active {
			busy[job.Device] = struct{}{}
		}
	}
	return busy
}

func (req RunnableRequest) runningSet() map[string]struct{} {
	if len(req.Running) == 0 {
		return map[string]struct{}{}
	}
	set := make(map[string]struct{}, len(req.Running))
	for _, id := range req.Running {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := req.BatchSize
	if limit <= 0 || limit > queueLen {
		limit = queueLen
	}
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit == 0 || limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}
