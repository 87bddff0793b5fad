// Package status serves a small read-only HTTP view of the device: link
// health, task timers, loop counters, and the most recent readings and
// command. It never touches hardware or the messaging session; handlers
// only read snapshots recorded by the control goroutine.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nugget/gdo/internal/buildinfo"
	"github.com/nugget/gdo/internal/config"
	"github.com/nugget/gdo/internal/connwatch"
	"github.com/nugget/gdo/internal/scheduler"
)

// Reading is the last value published for one sensor.
type Reading struct {
	Value string    `json:"value"`
	Unit  string    `json:"unit,omitempty"`
	At    time.Time `json:"at"`
}

// CommandRecord is the last inbound command handled.
type CommandRecord struct {
	Topic   string    `json:"topic"`
	Command string    `json:"command"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

// Snapshot is everything the recorder holds.
type Snapshot struct {
	Temperature *Reading       `json:"temperature,omitempty"`
	Door        *Reading       `json:"door,omitempty"`
	LastCommand *CommandRecord `json:"last_command,omitempty"`
}

// Recorder keeps the latest readings. It is written by the control
// goroutine and read by HTTP handlers.
type Recorder struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Temperature records a published temperature.
func (r *Recorder) Temperature(value, unit string, at time.Time) {
	r.mu.Lock()
	r.snap.Temperature = &Reading{Value: value, Unit: unit, At: at}
	r.mu.Unlock()
}

// Door records a published door state.
func (r *Recorder) Door(state string, at time.Time) {
	r.mu.Lock()
	r.snap.Door = &Reading{Value: state, At: at}
	r.mu.Unlock()
}

// Command records a handled inbound message.
func (r *Recorder) Command(topic, command, outcome string, at time.Time) {
	r.mu.Lock()
	r.snap.LastCommand = &CommandRecord{Topic: topic, Command: command, Outcome: outcome, At: at}
	r.mu.Unlock()
}

// Snapshot returns a copy of the recorded values.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Snapshot
	if r.snap.Temperature != nil {
		t := *r.snap.Temperature
		s.Temperature = &t
	}
	if r.snap.Door != nil {
		d := *r.snap.Door
		s.Door = &d
	}
	if r.snap.LastCommand != nil {
		c := *r.snap.LastCommand
		s.LastCommand = &c
	}
	return s
}

// Health reports link status.
type Health interface {
	Status() map[string]connwatch.ServiceStatus
	AllReady() bool
}

// TaskLister reports scheduler task timers and loop counters.
type TaskLister interface {
	Tasks() []scheduler.TaskStatus
	Stats() map[string]any
}

// Server is the status HTTP server.
type Server struct {
	address  string
	port     int
	health   Health
	tasks    TaskLister
	recorder *Recorder
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a status server. It does not listen until Start.
func NewServer(cfg config.StatusConfig, health Health, tasks TaskLister, rec *Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:  cfg.Address,
		port:     cfg.Port,
		health:   health,
		tasks:    tasks,
		recorder: rec,
		logger:   logger,
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the HTTP routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/status/links/{name}", s.handleLink)
	return r
}

// Start serves until Shutdown is called or ctx is cancelled. It returns
// nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.server.Shutdown(context.Background())
	})
	defer stop()

	s.logger.Info("starting status server", "address", s.address, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health.AllReady() {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"build":    buildinfo.Info(),
		"links":    s.health.Status(),
		"tasks":    s.tasks.Tasks(),
		"loop":     s.tasks.Stats(),
		"readings": s.recorder.Snapshot(),
	})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := s.health.Status()[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
