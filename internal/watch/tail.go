// Package watch follows the shared sweep logbook on disk and streams newly
// appended lines to a sink. It backs the follow mode of the tail command.
package watch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultPollInterval bounds how stale the follower can get when the
// platform drops filesystem events.
const defaultPollInterval = 500 * time.Millisecond

// LineSink receives each complete line appended to the followed file.
type LineSink func(line string)

// Follower streams appended lines from a single log file. It watches the
// parent directory so the file may be created or rotated while following.
type Follower struct {
	path         string
	pollInterval time.Duration

	offset  int64
	partial bytes.Buffer
}

// Option customizes follower construction.
type Option func(*Follower)

// WithPollInterval overrides the fallback polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(f *Follower) {
		if interval > 0 {
			f.pollInterval = interval
		}
	}
}

// NewFollower prepares a follower for the file at path. The file does not
// have to exist yet.
func NewFollower(path string, opts ...Option) (*Follower, error) {
	if path == "" {
		return nil, fmt.Errorf("watch: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", path, err)
	}
	f := &Follower{
		path:         abs,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Run follows the file until ctx is canceled, invoking sink for every
// complete line appended after the call. Existing content is skipped so
// callers can print a snapshot first and then follow.
func (f *Follower) Run(ctx context.Context, sink LineSink) error {
	if sink == nil {
		return fmt.Errorf("watch: sink is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("watch: ensure %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch: watch %s: %w", dir, err)
	}

	// Start at the current end of file so only fresh lines flow to the sink.
	if info, err := os.Stat(f.path); err == nil {
		f.offset = info.Size()
	}

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.drain(sink); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		case <-ticker.C:
			// Poll fallback for missed events.
			if err := f.drain(sink); err != nil {
				return err
			}
		}
	}
}

// drain reads any bytes past the current offset and emits complete lines.
func (f *Follower) drain(sink LineSink) error {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.offset = 0
			f.partial.Reset()
			return nil
		}
		return fmt.Errorf("watch: open %s: %w", f.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("watch: stat %s: %w", f.path, err)
	}
	if info.Size() < f.offset {
		// Truncated or rotated in place. Restart from the top.
		f.offset = 0
		f.partial.Reset()
	}
	if info.Size() == f.offset {
		return nil
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("watch: seek %s: %w", f.path, err)
	}
	chunk, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("watch: read %s: %w", f.path, err)
	}
	f.offset += int64(len(chunk))
	f.partial.Write(chunk)
	f.flushLines(sink)
	return nil
}

// flushLines emits every complete line buffered so far and keeps the
// trailing partial line for the next read.
func (f *Follower) flushLines(sink LineSink) {
	for {
		data := f.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := string(data[:idx])
		f.partial.Next(idx + 1)
		sink(line)
	}
}
