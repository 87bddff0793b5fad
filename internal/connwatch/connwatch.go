// Package connwatch tracks the health of the device's links (wireless
// network, messaging session) and provides the blocking retry loop used
// to (re-)establish them.
//
// Retries are deliberately synchronous: [Watcher.Until] runs on the
// caller's goroutine and does not return until the link is up or ctx is
// cancelled. There is no retry limit. Failure is only ever delayed.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/gdo/internal/clock"
)

// AttemptFunc attempts to bring a link up. Return nil if the link is up.
type AttemptFunc func(ctx context.Context) error

// WaitFunc blocks between attempts. It must return ctx.Err() if ctx is
// cancelled while waiting.
type WaitFunc func(ctx context.Context, d time.Duration) error

// WatcherConfig configures a single link watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "network").
	Name string

	// Delay is the fixed wait between failed attempts.
	Delay time.Duration

	// Clock supplies timestamps and the default wait. Defaults to the
	// system clock.
	Clock clock.Clock

	// Wait overrides how the watcher waits between attempts. The
	// network link uses it to blink the status indicator while waiting.
	Wait WaitFunc

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched link, suitable for
// JSON serialization in the status endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Attempts  int       `json:"attempts"`
	Connects  int       `json:"connects"`
}

// abortError marks an attempt error that must end the retry loop.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort wraps err so that [Watcher.Until] stops retrying and returns
// err. Used when a precondition of the link (e.g. the network under a
// messaging session) has gone away.
func Abort(err error) error {
	return &abortError{err: err}
}

// Watcher tracks a single link's health. The status fields are guarded
// by a mutex so the status endpoint can read them from another goroutine.
type Watcher struct {
	config WatcherConfig

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	attempts  int
	connects  int
}

// IsReady reports whether the watched link is currently up.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Attempts:  w.attempts,
		Connects:  w.connects,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Until calls connect until it returns nil, waiting the configured delay
// between failures. It returns nil once the link is up, ctx.Err() if ctx
// is cancelled, or the underlying error of an [Abort]-wrapped failure.
func (w *Watcher) Until(ctx context.Context, connect AttemptFunc) error {
	logger := w.config.Logger
	delay := w.config.Delay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		w.recordResult(err)

		if err == nil {
			w.MarkUp()
			logger.Info("service connected",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			return nil
		}

		var abort *abortError
		if errors.As(err, &abort) {
			logger.Info("connection attempt aborted",
				"service", w.config.Name,
				"attempt", attempt,
				"error", abort.err,
			)
			return abort.err
		}

		logger.Warn("connection attempt failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if err := w.config.Wait(ctx, delay); err != nil {
			return err
		}
	}
}

// MarkUp records a down → up transition. It is a no-op if already up.
func (w *Watcher) MarkUp() {
	w.mu.Lock()
	wasReady := w.ready
	w.ready = true
	w.lastErr = nil
	if !wasReady {
		w.connects++
	}
	w.mu.Unlock()
}

// MarkDown records an up → down transition. It is a no-op if already down.
func (w *Watcher) MarkDown(err error) {
	w.mu.Lock()
	wasReady := w.ready
	w.ready = false
	w.lastErr = err
	w.lastCheck = w.config.Clock.Now()
	w.mu.Unlock()

	if !wasReady {
		return
	}
	w.config.Logger.Info("service became unreachable",
		"service", w.config.Name,
		"error", err,
	)
}

// recordResult stores the attempt outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = w.config.Clock.Now()
	w.attempts++
	w.mu.Unlock()
}

// Manager keeps the watchers for all of the device's links.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	order    []string
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers a new link watcher. Unlike a background health
// poller, nothing runs until the owner calls [Watcher.Until].
//
// Panics if Name is empty or already registered. Zero-value fields are
// replaced with defaults.
func (m *Manager) Watch(cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Wait == nil {
		cfg.Wait = cfg.Clock.Sleep
	}

	w := &Watcher{config: cfg}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.watchers[cfg.Name]; dup {
		panic("connwatch: duplicate watcher " + cfg.Name)
	}
	m.watchers[cfg.Name] = w
	m.order = append(m.order, cfg.Name)

	return w
}

// Status returns the health status of all watched links.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// AllReady reports whether every registered link is up.
func (m *Manager) AllReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.order {
		if !m.watchers[name].IsReady() {
			return false
		}
	}
	return len(m.order) > 0
}
