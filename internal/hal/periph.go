package hal

// This file provides the periph.io backend. Pins are addressed by their
// BCM numbers and resolved through the periph GPIO registry.

import (
	"fmt"

	"github.com/nugget/gdo/internal/config"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

type periphIn struct{ pin gpio.PinIO }

func (p periphIn) Read() (bool, error) {
	return p.pin.Read() == gpio.High, nil
}

type periphOut struct{ pin gpio.PinIO }

func (p periphOut) Write(high bool) error {
	level := gpio.Low
	if high {
		level = gpio.High
	}
	return p.pin.Out(level)
}

// periphPin resolves a BCM pin number. host.Init must have run.
func periphPin(n int) (gpio.PinIO, error) {
	name := fmt.Sprintf("GPIO%d", n)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("periph: no pin named %s", name)
	}
	return p, nil
}

func openPeriph(cfg config.HardwareConfig) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	sw, err := periphPin(cfg.SwitchPin)
	if err != nil {
		return nil, err
	}
	// Closing the switch pulls the pin to ground.
	if err := sw.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure switch %s: %w", sw, err)
	}

	relay, err := periphPin(cfg.RelayPin)
	if err != nil {
		return nil, err
	}
	if err := relay.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("configure relay %s: %w", relay, err)
	}

	led, err := periphPin(cfg.LEDPin)
	if err != nil {
		return nil, err
	}
	ledOff := gpio.Level(cfg.LEDActiveLow)
	if err := led.Out(ledOff); err != nil {
		return nil, fmt.Errorf("configure led %s: %w", led, err)
	}

	return &Board{
		Switch: periphIn{pin: sw},
		Relay:  periphOut{pin: relay},
		LED:    periphOut{pin: led},
		ADC:    IIOADC{Path: cfg.ADCPath},
		closers: []func() error{
			func() error { return relay.Out(gpio.Low) },
			func() error { return led.Halt() },
		},
	}, nil
}
