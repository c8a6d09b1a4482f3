package sweep

import "fmt"

// Job is one cell of the expanded grid: a single seed/task/strategy
// combination pinned to a GPU device.
type Job struct {
	SweepID  string
	Seed     int
	Task     string
	Strategy string
	Params   Params

	// SeedIndex/TaskIndex/StrategyIndex record the cell's position inside
	// the declared arrays so markers can reproduce the launcher's index
	// lines exactly.
	SeedIndex     int
	TaskIndex     int
	StrategyIndex int

	// Device is the GPU index exported as CUDA_VISIBLE_DEVICES.
	Device int
}

// InstanceID returns the grid-unique identifier for this job.
func (j Job) InstanceID() string {
	return fmt.Sprintf("s%d/%s/%s", j.Seed, j.Task, j.Strategy)
}

// String renders a human-readable job label.
func (j Job) String() string {
	return fmt.Sprintf("seed=%d task=%s strategy=%s device=%d", j.Seed, j.Task, j.Strategy, j.Device)
}

// Expand produces the ordered job matrix: seed-major, then task, then
// strategy. Each job is assigned a device from the provided list using the
// strategy index shifted by the configured offset, so strategies launched in
// the same inner batch land on distinct GPUs.
func (def SweepDefinition) Expand(devices []int) ([]Job, error) {
	normalized, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	if len(normalized.Runtime.Devices) > 0 {
		devices = normalized.Runtime.Devices
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("sweep %s: no devices available", normalized.ID)
	}
	jobs := make([]Job, 0, normalized.JobCount())
	for si, seed := range normalized.Seeds {
		for ti, task := range normalized.Tasks {
			for gi, strategy := range normalized.Strategies {
				jobs = append(jobs, Job{
					SweepID:       normalized.ID,
					Seed:          seed,
					Task:          task,
					Strategy:      strategy,
					Params:        normalized.Params,
					SeedIndex:     si,
					TaskIndex:     ti,
					StrategyIndex: gi,
					Device:        devices[(gi+normalized.Runtime.DeviceOffset)%len(devices)],
				})
			}
		}
	}
	return jobs, nil
}

// MaxParallelFor resolves the effective concurrency limit: the runtime's
// explicit cap when set, otherwise one job per device.
func (def SweepDefinition) MaxParallelFor(devices []int) int {
	if def.Runtime.MaxParallel > 0 {
		return def.Runtime.MaxParallel
	}
	if len(def.Runtime.Devices) > 0 {
		return len(def.Runtime.Devices)
	}
	if len(devices) > 0 {
		return len(devices)
	}
	return 1
}
