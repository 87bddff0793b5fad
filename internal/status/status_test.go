package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/gdo/internal/config"
	"github.com/nugget/gdo/internal/connwatch"
	"github.com/nugget/gdo/internal/scheduler"
)

type fakeHealth struct {
	ready    bool
	services map[string]connwatch.ServiceStatus
}

func (f *fakeHealth) Status() map[string]connwatch.ServiceStatus { return f.services }
func (f *fakeHealth) AllReady() bool                             { return f.ready }

type fakeTasks []scheduler.TaskStatus

func (f fakeTasks) Tasks() []scheduler.TaskStatus { return f }
func (f fakeTasks) Stats() map[string]any {
	return map[string]any{"iterations": uint64(7), "tasks": len(f)}
}

func newTestServer(h *fakeHealth, rec *Recorder) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tasks := fakeTasks{{Name: "door", Interval: 10 * time.Second, Runs: 3}}
	return NewServer(config.Default().Status, h, tasks, rec, logger)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ready bool
		want  int
	}{
		{"both layers up", true, http.StatusOK},
		{"link down", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(&fakeHealth{ready: tt.ready}, NewRecorder())

			rec := httptest.NewRecorder()
			srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatus_Body(t *testing.T) {
	t.Parallel()

	at := time.Date(2017, 2, 8, 12, 0, 0, 0, time.UTC)
	r := NewRecorder()
	r.Temperature("72.92", "°F", at)
	r.Door("Closed", at)
	r.Command("openhab/garage/relay1", "toggle", "toggled", at)

	h := &fakeHealth{
		ready: true,
		services: map[string]connwatch.ServiceStatus{
			"network":   {Name: "network", Ready: true},
			"messaging": {Name: "messaging", Ready: true},
		},
	}
	srv := newTestServer(h, r)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body struct {
		Build    map[string]any                     `json:"build"`
		Links    map[string]connwatch.ServiceStatus `json:"links"`
		Tasks    []scheduler.TaskStatus             `json:"tasks"`
		Loop     map[string]float64                 `json:"loop"`
		Readings Snapshot                           `json:"readings"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.Build["version"] == nil {
		t.Error("build info missing version")
	}
	if !body.Links["network"].Ready || !body.Links["messaging"].Ready {
		t.Errorf("links = %+v", body.Links)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].Runs != 3 {
		t.Errorf("tasks = %+v", body.Tasks)
	}
	if body.Loop["iterations"] != 7 || body.Loop["tasks"] != 1 {
		t.Errorf("loop = %+v", body.Loop)
	}
	if body.Readings.Temperature == nil || body.Readings.Temperature.Value != "72.92" {
		t.Errorf("temperature = %+v", body.Readings.Temperature)
	}
	if body.Readings.Door == nil || body.Readings.Door.Value != "Closed" {
		t.Errorf("door = %+v", body.Readings.Door)
	}
	if body.Readings.LastCommand == nil || body.Readings.LastCommand.Outcome != "toggled" {
		t.Errorf("last command = %+v", body.Readings.LastCommand)
	}
}

func TestLink(t *testing.T) {
	t.Parallel()

	h := &fakeHealth{services: map[string]connwatch.ServiceStatus{
		"network": {Name: "network", Ready: false, LastError: "network lost"},
	}}
	srv := newTestServer(h, NewRecorder())

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/links/network", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st connwatch.ServiceStatus
	json.NewDecoder(rec.Body).Decode(&st)
	if st.LastError != "network lost" {
		t.Errorf("LastError = %q", st.LastError)
	}

	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/links/bogus", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown link status = %d, want 404", rec.Code)
	}
}

func TestRecorder_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	if s := r.Snapshot(); s.Temperature != nil || s.Door != nil || s.LastCommand != nil {
		t.Fatalf("empty recorder snapshot = %+v", s)
	}

	r.Door("Open", time.Now())
	s := r.Snapshot()
	s.Door.Value = "mutated"
	if got := r.Snapshot().Door.Value; got != "Open" {
		t.Errorf("Door = %q after mutating snapshot", got)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := config.StatusConfig{Enabled: true, Address: "127.0.0.1", Port: 0}
	srv := NewServer(cfg, &fakeHealth{}, fakeTasks{}, NewRecorder(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
