package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/crucible/internal/logbook"
	"github.com/kingrea/crucible/internal/results"
)

type stubRuns struct {
	runs []results.Run
	err  error
}

func (s *stubRuns) List(sweepID string) ([]results.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	if sweepID == "" {
		return s.runs, nil
	}
	var filtered []results.Run
	for _, run := range s.runs {
		if run.SweepID == sweepID {
			filtered = append(filtered, run)
		}
	}
	return filtered, nil
}

func startTestServer(t *testing.T, runs RunLister, book *logbook.Logbook) string {
	t.Helper()
	settings := DefaultSettings()
	settings.Port = 0
	settings.ReadTimeout = time.Second
	settings.WriteTimeout = time.Second
	settings.IdleTimeout = time.Second
	srv := NewServer(settings, runs, book)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return "http://" + srv.Addr()
}

func testLogbook(t *testing.T) *logbook.Logbook {
	t.Helper()
	book, err := logbook.New(filepath.Join(t.TempDir(), "sweep.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	return book
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	base := startTestServer(t, &stubRuns{}, testLogbook(t))
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != string(StatusReady) {
		t.Fatalf("status = %q, want ready", body.Status)
	}
}

func TestRunsEndpointFiltersBySweep(t *testing.T) {
	t.Parallel()
	runs := &stubRuns{runs: []results.Run{
		{SweepID: "smoke", InstanceID: "s0/sst2/random", Status: results.StatusCompleted},
		{SweepID: "nightly", InstanceID: "s1/rte/votek", Status: results.StatusRunning},
	}}
	base := startTestServer(t, runs, testLogbook(t))
	resp, err := http.Get(base + "/runs?sweep=smoke")
	if err != nil {
		t.Fatalf("runs request failed: %v", err)
	}
	defer resp.Body.Close()
	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0]["instance_id"] != "s0/sst2/random" {
		t.Fatalf("unexpected row: %v", rows[0])
	}
}

func TestLogbookEndpointTailsLines(t *testing.T) {
	t.Parallel()
	book := testLogbook(t)
	for i := 0; i < 5; i++ {
		book.Info("line-%d", i)
	}
	base := startTestServer(t, &stubRuns{}, book)
	resp, err := http.Get(base + "/logbook?lines=2")
	if err != nil {
		t.Fatalf("logbook request failed: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Lines []string `json:"lines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode logbook: %v", err)
	}
	if len(body.Lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(body.Lines))
	}
}

func TestLogbookEndpointRejectsBadLines(t *testing.T) {
	t.Parallel()
	base := startTestServer(t, &stubRuns{}, testLogbook(t))
	resp, err := http.Get(base + "/logbook?lines=zero")
	if err != nil {
		t.Fatalf("logbook request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// drainingRuns parks the /runs handler until released, then reads the
// server's lifecycle status from inside the handler.
type drainingRuns struct {
	srv      *Server
	entered  chan struct{}
	release  chan struct{}
	observed ServerStatus
}

func (d *drainingRuns) List(string) ([]results.Run, error) {
	close(d.entered)
	<-d.release
	d.observed = d.srv.Status()
	return nil, nil
}

func TestShutdownDrainsInflightStatusReads(t *testing.T) {
	t.Parallel()
	lister := &drainingRuns{entered: make(chan struct{}), release: make(chan struct{})}
	settings := DefaultSettings()
	settings.Port = 0
	srv := NewServer(settings, lister, testLogbook(t))
	lister.srv = srv
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	reqDone := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + srv.Addr() + "/runs")
		if err == nil {
			resp.Body.Close()
		}
		reqDone <- err
	}()
	<-lister.entered

	shutDone := make(chan error, 1)
	go func() { shutDone <- srv.Shutdown(context.Background()) }()

	// Let Shutdown reach its drain wait before the handler resumes and calls
	// Status(); the read must not queue behind the drain.
	time.Sleep(50 * time.Millisecond)
	close(lister.release)

	select {
	case err := <-shutDone:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never finished while a handler was reading server status")
	}
	if err := <-reqDone; err != nil {
		t.Fatalf("in-flight request failed: %v", err)
	}
	if lister.observed != StatusDraining {
		t.Fatalf("handler observed status %q, want draining", lister.observed)
	}
}

func TestHealthUptimeUsesInjectedClock(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	current := start
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	settings := DefaultSettings()
	settings.Port = 0
	srv := NewServer(settings, &stubRuns{}, testLogbook(t), WithClock(clock))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	mu.Lock()
	current = start.Add(90 * time.Second)
	mu.Unlock()

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		UptimeSeconds int64 `json:"uptime_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.UptimeSeconds != 90 {
		t.Fatalf("uptime_seconds = %d, want 90", body.UptimeSeconds)
	}
}

func TestRunsEndpointMethodNotAllowed(t *testing.T) {
	t.Parallel()
	base := startTestServer(t, &stubRuns{}, testLogbook(t))
	resp, err := http.Post(base+"/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("post runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
