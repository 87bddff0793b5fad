// Package actuator drives the device outputs: the door opener relay and
// the status indicator LED.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/hal"
)

// ErrBusy is returned by [Relay.Toggle] when a pulse is already in
// progress. The request is dropped, not queued.
var ErrBusy = errors.New("actuator: relay pulse already in progress")

// DefaultPulseWidth is how long the relay is held closed, the same as a
// press on the wall button.
const DefaultPulseWidth = 500 * time.Millisecond

// Relay pulses the door opener relay. The relay is active high.
type Relay struct {
	out       hal.DigitalOut
	indicator *Indicator
	width     time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	busy atomic.Bool

	mu         sync.Mutex
	releasedAt time.Time
}

// NewRelay returns a Relay on out that holds the contact for width and
// then flashes indicator. A nil indicator skips the flash.
func NewRelay(out hal.DigitalOut, indicator *Indicator, width time.Duration, clk clock.Clock, logger *slog.Logger) *Relay {
	if width <= 0 {
		width = DefaultPulseWidth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		out:       out,
		indicator: indicator,
		width:     width,
		clock:     clk,
		logger:    logger,
	}
}

// Toggle closes the relay for the pulse width, releases it, and flashes
// the indicator. The relay is released even if ctx is cancelled during
// the pulse. It returns [ErrBusy] if another Toggle is still running.
func (r *Relay) Toggle(ctx context.Context) error {
	if !r.busy.CompareAndSwap(false, true) {
		r.logger.Warn("toggle dropped, relay busy")
		return ErrBusy
	}
	defer r.release()

	if err := r.out.Write(true); err != nil {
		r.out.Write(false)
		return fmt.Errorf("energize relay: %w", err)
	}
	r.logger.Info("relay energized", "width", r.width.String())

	sleepErr := r.clock.Sleep(ctx, r.width)

	if err := r.out.Write(false); err != nil {
		return fmt.Errorf("release relay: %w", err)
	}
	r.logger.Debug("relay released")

	if sleepErr != nil {
		return sleepErr
	}
	if r.indicator != nil {
		if err := r.indicator.Flash(ctx); err != nil {
			r.logger.Debug("indicator flash failed", "error", err)
		}
	}
	return nil
}

func (r *Relay) release() {
	r.mu.Lock()
	r.releasedAt = r.clock.Now()
	r.mu.Unlock()
	r.busy.Store(false)
}

// Busy reports whether a pulse is in progress.
func (r *Relay) Busy() bool {
	return r.busy.Load()
}

// ReleasedAt returns when the last Toggle finished, including its
// indicator flash. It is zero before the first Toggle.
func (r *Relay) ReleasedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releasedAt
}
