package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/scheduler"
	"github.com/nugget/gdo/internal/sensor"
	"github.com/nugget/gdo/internal/status"
)

// publisher sends an outbound reading and reports whether it went out.
// The link manager satisfies it.
type publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (bool, error)
}

// flasher plays the "reading sent" indicator pattern.
type flasher interface {
	Flash(ctx context.Context) error
}

type thermometer interface {
	Read() (float64, error)
	Unit() string
}

type doorSwitch interface {
	Read() (sensor.DoorState, error)
}

// temperatureTask reads the thermometer, publishes the formatted value,
// and flashes the indicator. A reading that was not sent is neither
// recorded nor acknowledged.
func temperatureTask(th thermometer, pub publisher, topic string, led flasher,
	rec *status.Recorder, clk clock.Clock, logger *slog.Logger) scheduler.FireFunc {
	return func(ctx context.Context) error {
		v, err := th.Read()
		if err != nil {
			return fmt.Errorf("read temperature: %w", err)
		}
		payload := sensor.FormatTemperature(v)

		sent, err := pub.Publish(ctx, topic, []byte(payload))
		if err != nil {
			return fmt.Errorf("publish temperature: %w", err)
		}
		if !sent {
			logger.Debug("temperature reading not sent", "value", payload)
			return nil
		}
		logger.Debug("temperature reading", "value", payload, "unit", th.Unit())
		if rec != nil {
			rec.Temperature(payload, th.Unit(), clk.Now())
		}

		if led != nil {
			return led.Flash(ctx)
		}
		return nil
	}
}

// doorTask reads the door switch and publishes "Open" or "Closed".
func doorTask(door doorSwitch, pub publisher, topic string,
	rec *status.Recorder, clk clock.Clock, logger *slog.Logger) scheduler.FireFunc {
	return func(ctx context.Context) error {
		state, err := door.Read()
		if err != nil {
			return fmt.Errorf("read door switch: %w", err)
		}
		sent, err := pub.Publish(ctx, topic, []byte(state.String()))
		if err != nil {
			return fmt.Errorf("publish door state: %w", err)
		}
		if !sent {
			logger.Debug("door state not sent", "state", state.String())
			return nil
		}
		logger.Debug("door state", "state", state.String())
		if rec != nil {
			rec.Door(state.String(), clk.Now())
		}
		return nil
	}
}
