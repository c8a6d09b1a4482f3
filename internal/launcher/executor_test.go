package launcher

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestDirectExecutorCapturesOutputAndExitCode(t *testing.T) {
	exec := NewDirectExecutor()
	res, err := exec.Execute(context.Background(), Command{
		Binary: "sh",
		Args:   []string{"-c", "echo out; echo err 1>&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("output missing streams: %q", res.Output)
	}
	if res.Duration <= 0 {
		t.Fatalf("duration not recorded")
	}
}

func TestDirectExecutorMirrorsOutput(t *testing.T) {
	exec := NewDirectExecutor()
	var mirror bytes.Buffer
	res, err := exec.Execute(context.Background(), Command{
		Binary: "sh",
		Args:   []string{"-c", "echo transcript-line"},
		Mirror: &mirror,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if !strings.Contains(mirror.String(), "transcript-line") {
		t.Fatalf("mirror missing output: %q", mirror.String())
	}
}

func TestDirectExecutorTimeoutKillsChild(t *testing.T) {
	exec := NewDirectExecutor()
	res, err := exec.Execute(context.Background(), Command{
		Binary:  "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Killed {
		t.Fatalf("expected killed result")
	}
	if !strings.HasPrefix(res.KillReason, "timeout") {
		t.Fatalf("kill reason = %q", res.KillReason)
	}
}

func TestDirectExecutorCancellation(t *testing.T) {
	exec := NewDirectExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := exec.Execute(ctx, Command{
		Binary: "sh",
		Args:   []string{"-c", "sleep 5"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Killed || res.KillReason != "canceled" {
		t.Fatalf("expected canceled result, got killed=%v reason=%q", res.Killed, res.KillReason)
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 4}
	n, err := lw.Write([]byte("abcdef"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 6 {
		t.Fatalf("n = %d, want 6 (writer must swallow the excess)", n)
	}
	if buf.String() != "abcd" {
		t.Fatalf("buffer = %q", buf.String())
	}
	if !lw.truncated {
		t.Fatalf("truncated flag not set")
	}
}
