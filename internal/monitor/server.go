// Package monitor exposes a small read-only HTTP surface over a running
// sweep: health, run rows, and the logbook tail. Long sweeps on remote GPU
// boxes get polled through this instead of tailing files over SSH.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/crucible/internal/logbook"
	"github.com/kingrea/crucible/internal/results"
)

const (
	// DefaultHost is the loopback interface used when no host override is provided.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default TCP port for the monitor server.
	DefaultPort = 8750
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second

	defaultTailLines = 50
	maxTailLines     = 1000
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// Settings captures runtime configuration for the monitor server.
type Settings struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns loopback defaults.
func DefaultSettings() Settings {
	return Settings{
		Host:         DefaultHost,
		Port:         DefaultPort,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	host := s.Host
	if host == "" {
		host = DefaultHost
	}
	port := s.Port
	if port <= 0 || port > 65535 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// RunLister is the slice of the results store the server needs.
type RunLister interface {
	List(sweepID string) ([]results.Run, error)
}

// Server wraps the HTTP listener and handlers serving sweep status.
type Server struct {
	settings Settings
	runs     RunLister
	book     *logbook.Logbook
	log      *zap.SugaredLogger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a monitor server over the results store and logbook.
func NewServer(settings Settings, runs RunLister, book *logbook.Logbook, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		runs:     runs,
		book:     book,
		log:      zap.NewNop().Sugar(),
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("monitor: server is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("monitor: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/logbook", s.handleLogbook)
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("monitor serve error", "error", err)
		}
	}()
	s.log.Infow("monitor listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests.
// The lock is released while draining: handlers still read Status() and the
// uptime during the wait.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	server := s.server
	if s.listener == nil || server == nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDraining
	s.mu.Unlock()

	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	err := server.Shutdown(deadline)

	s.mu.Lock()
	s.listener = nil
	s.server = nil
	s.mu.Unlock()
	return err
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type runRow struct {
	InstanceID string `json:"instance_id"`
	Seed       int    `json:"seed"`
	Task       string `json:"task"`
	Strategy   string `json:"strategy"`
	Device     int    `json:"device"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "results store unavailable"})
		return
	}
	sweepID := r.URL.Query().Get("sweep")
	runs, err := s.runs.List(sweepID)
	if err != nil {
		s.log.Errorw("list runs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
		return
	}
	rows := make([]runRow, 0, len(runs))
	for _, run := range runs {
		row := runRow{
			InstanceID: run.InstanceID,
			Seed:       run.Seed,
			Task:       run.Task,
			Strategy:   run.Strategy,
			Device:     run.Device,
			Status:     string(run.Status),
			ExitCode:   run.ExitCode,
		}
		if !run.StartedAt.IsZero() {
			row.StartedAt = run.StartedAt.UTC().Format(time.RFC3339)
		}
		if !run.FinishedAt.IsZero() {
			row.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLogbook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	lines := defaultTailLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lines must be a positive integer"})
			return
		}
		if parsed > maxTailLines {
			parsed = maxTailLines
		}
		lines = parsed
	}
	tail := s.book.Tail(lines)
	if tail == nil {
		tail = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": tail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
