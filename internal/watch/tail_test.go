package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *lineCollector) waitFor(t *testing.T, count int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		lines := c.snapshot()
		if len(lines) >= count {
			return lines
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, have %v", count, c.snapshot())
	return nil
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(line + "\n"); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func TestFollowerEmitsAppendedLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sweep.log")
	appendLine(t, path, "before follow")

	follower, err := NewFollower(path, WithPollInterval(25*time.Millisecond))
	if err != nil {
		t.Fatalf("new follower: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collector := &lineCollector{}
	done := make(chan error, 1)
	go func() {
		done <- follower.Run(ctx, collector.add)
	}()

	// Give the watcher a moment to record the starting offset.
	time.Sleep(100 * time.Millisecond)
	appendLine(t, path, "first")
	appendLine(t, path, "second")

	lines := collector.waitFor(t, 2)
	if lines[0] != "first" || lines[1] != "second" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	for _, line := range lines {
		if line == "before follow" {
			t.Fatalf("existing content should not be replayed")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestFollowerHandlesLateFileCreation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sweep.log")

	follower, err := NewFollower(path, WithPollInterval(25*time.Millisecond))
	if err != nil {
		t.Fatalf("new follower: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collector := &lineCollector{}
	go func() {
		_ = follower.Run(ctx, collector.add)
	}()

	time.Sleep(100 * time.Millisecond)
	appendLine(t, path, "created later")

	lines := collector.waitFor(t, 1)
	if lines[0] != "created later" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestFollowerResetsAfterTruncate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sweep.log")
	appendLine(t, path, "old content")

	follower, err := NewFollower(path, WithPollInterval(25*time.Millisecond))
	if err != nil {
		t.Fatalf("new follower: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collector := &lineCollector{}
	go func() {
		_ = follower.Run(ctx, collector.add)
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	appendLine(t, path, "fresh start")

	lines := collector.waitFor(t, 1)
	last := lines[len(lines)-1]
	if last != "fresh start" {
		t.Fatalf("expected fresh line after truncate, got %v", lines)
	}
}

func TestNewFollowerRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := NewFollower(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
