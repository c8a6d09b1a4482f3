package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// defaultMaxOutputBytes bounds how much child output one job may buffer.
// Research runs log token-level progress; 8 MiB keeps the tail without
// letting a chatty job exhaust memory.
const defaultMaxOutputBytes = 8 << 20

// Command describes one process execution request.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	// Timeout bounds the run. Zero means no limit.
	Timeout time.Duration
	// MaxOutputBytes overrides the capture cap when > 0.
	MaxOutputBytes int
	// Mirror, when set, receives the combined output as it streams
	// (typically the per-job transcript file).
	Mirror io.Writer
}

// ExecutionResult reports what happened to one process.
type ExecutionResult struct {
	ExitCode   int
	Output     string
	Truncated  bool
	Killed     bool
	KillReason string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Executor runs commands. The launcher takes the interface so tests can
// substitute a stub.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)
}

// DirectExecutor executes commands directly on the host using os/exec.
type DirectExecutor struct{}

// NewDirectExecutor creates the host-process executor.
func NewDirectExecutor() *DirectExecutor {
	return &DirectExecutor{}
}

// Execute runs a command, capturing combined stdout and stderr. A non-zero
// exit is reported in the result, not as an error; errors mean the process
// could not be run at all.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("launcher: binary is required")
	}
	execCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Args...)
	execCmd.Dir = cmd.Dir
	execCmd.Env = append(os.Environ(), cmd.Env...)

	maxOutput := cmd.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	var buf bytes.Buffer
	limited := &limitedWriter{w: &buf, max: maxOutput}
	var sink io.Writer = limited
	if cmd.Mirror != nil {
		sink = io.MultiWriter(limited, cmd.Mirror)
	}
	// Children interleave stdout and stderr in the shared log, the same way
	// a shell append redirect would.
	execCmd.Stdout = sink
	execCmd.Stderr = sink

	result := &ExecutionResult{ExitCode: -1}
	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Output = buf.String()
	result.Truncated = limited.truncated

	if err != nil {
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", cmd.Timeout)
		case errors.Is(execCtx.Err(), context.Canceled):
			result.Killed = true
			result.KillReason = "canceled"
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if result.Killed {
			return result, nil
		}
		return nil, fmt.Errorf("launcher: run %s: %w", cmd.Binary, err)
	}
	result.ExitCode = 0
	return result, nil
}

// limitedWriter keeps the first max bytes and drops the rest.
type limitedWriter struct {
	w         io.Writer
	max       int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.max {
		lw.truncated = true
		return len(p), nil
	}
	remain := lw.max - lw.written
	chunk := p
	if len(chunk) > remain {
		chunk = chunk[:remain]
		lw.truncated = true
	}
	n, err := lw.w.Write(chunk)
	lw.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
