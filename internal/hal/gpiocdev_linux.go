//go:build linux

package hal

// This file provides the Linux GPIO character device backend. Lines are
// addressed by offset on the configured chip (e.g. gpiochip0).

import (
	"fmt"

	"github.com/nugget/gdo/internal/config"
	"github.com/warthog618/go-gpiocdev"
)

const gpioConsumer = "gdo"

type cdevIn struct{ line *gpiocdev.Line }

func (c cdevIn) Read() (bool, error) {
	v, err := c.line.Value()
	if err != nil {
		return false, fmt.Errorf("read line: %w", err)
	}
	return v == 1, nil
}

type cdevOut struct{ line *gpiocdev.Line }

func (c cdevOut) Write(high bool) error {
	v := 0
	if high {
		v = 1
	}
	if err := c.line.SetValue(v); err != nil {
		return fmt.Errorf("set line: %w", err)
	}
	return nil
}

func openGPIOCDev(cfg config.HardwareConfig) (*Board, error) {
	b := &Board{ADC: IIOADC{Path: cfg.ADCPath}}

	sw, err := gpiocdev.RequestLine(cfg.Chip, cfg.SwitchPin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithConsumer(gpioConsumer),
	)
	if err != nil {
		return nil, fmt.Errorf("request switch line %d: %w", cfg.SwitchPin, err)
	}
	b.closers = append(b.closers, sw.Close)
	b.Switch = cdevIn{line: sw}

	relay, err := gpiocdev.RequestLine(cfg.Chip, cfg.RelayPin,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(gpioConsumer),
	)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("request relay line %d: %w", cfg.RelayPin, err)
	}
	b.closers = append(b.closers, relay.Close)
	b.Relay = cdevOut{line: relay}

	ledOff := 0
	if cfg.LEDActiveLow {
		ledOff = 1
	}
	led, err := gpiocdev.RequestLine(cfg.Chip, cfg.LEDPin,
		gpiocdev.AsOutput(ledOff),
		gpiocdev.WithConsumer(gpioConsumer),
	)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("request led line %d: %w", cfg.LEDPin, err)
	}
	b.closers = append(b.closers, led.Close)
	b.LED = cdevOut{line: led}

	return b, nil
}
