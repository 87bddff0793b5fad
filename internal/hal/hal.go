// Package hal is the hardware abstraction layer for the door controller:
// one pulled-up digital input (door switch), two digital outputs (relay
// and status LED), and one analog input (temperature sensor).
//
// Backends are selected by name. "periph" drives GPIO through periph.io,
// "gpiocdev" through the Linux GPIO character device, and "sim" keeps
// pin levels in memory so the rest of the system can run and be tested
// on a desktop machine without hardware.
package hal

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/gdo/internal/config"
)

// ErrUnsupported is returned when a backend is not available on the
// current platform.
var ErrUnsupported = errors.New("hal: backend not supported on this platform")

// DigitalIn reads the electrical level of an input pin. true means high.
type DigitalIn interface {
	Read() (bool, error)
}

// DigitalOut drives the electrical level of an output pin. true means high.
type DigitalOut interface {
	Write(high bool) error
}

// AnalogIn returns a raw analog-to-digital converter count.
type AnalogIn interface {
	ReadRaw() (int, error)
}

// Board groups the pins the controller uses. Close releases any
// underlying handles.
type Board struct {
	Switch DigitalIn
	Relay  DigitalOut
	LED    DigitalOut
	ADC    AnalogIn

	closers []func() error
}

// Close releases every pin handle, returning all errors joined.
func (b *Board) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Open initialises the configured backend and claims the switch, relay,
// LED, and ADC. The relay is driven low before Open returns, so the door
// is never actuated by a restart.
func Open(cfg config.HardwareConfig, logger *slog.Logger) (*Board, error) {
	var (
		b   *Board
		err error
	)
	switch cfg.Driver {
	case "periph":
		b, err = openPeriph(cfg)
	case "gpiocdev":
		b, err = openGPIOCDev(cfg)
	case "sim":
		b = NewSimBoard().Board()
	default:
		return nil, fmt.Errorf("unknown hardware driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := b.Relay.Write(false); err != nil {
		b.Close()
		return nil, fmt.Errorf("release relay: %w", err)
	}

	logger.Info("hardware initialised",
		"driver", cfg.Driver,
		"switch_pin", cfg.SwitchPin,
		"relay_pin", cfg.RelayPin,
		"led_pin", cfg.LEDPin,
	)
	return b, nil
}
