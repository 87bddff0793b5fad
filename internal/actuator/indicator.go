package actuator

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/hal"
)

// Blink patterns used by the device.
const (
	// FlashPeriod and FlashCount acknowledge a publish or an actuation.
	FlashPeriod = 35 * time.Millisecond
	FlashCount  = 20

	// ConnectedPeriod and ConnectedCount play once the network is up.
	ConnectedPeriod = 50 * time.Millisecond
	ConnectedCount  = 35
)

// Indicator drives the status LED.
type Indicator struct {
	out       hal.DigitalOut
	activeLow bool
	clock     clock.Clock
}

// NewIndicator returns an Indicator on out. When activeLow is set the
// LED lights with the pin driven low.
func NewIndicator(out hal.DigitalOut, activeLow bool, clk clock.Clock) *Indicator {
	return &Indicator{out: out, activeLow: activeLow, clock: clk}
}

// Set turns the LED on or off.
func (i *Indicator) Set(on bool) error {
	if err := i.out.Write(on != i.activeLow); err != nil {
		return fmt.Errorf("set indicator: %w", err)
	}
	return nil
}

// Pulse blinks the LED: on for period, off for period, repeated
// iterations times. At least one blink is always played. The LED is left
// off.
func (i *Indicator) Pulse(ctx context.Context, period time.Duration, iterations int) error {
	n := 0
	for {
		if err := i.Set(true); err != nil {
			return err
		}
		if err := i.clock.Sleep(ctx, period); err != nil {
			i.Set(false)
			return err
		}
		if err := i.Set(false); err != nil {
			return err
		}
		if err := i.clock.Sleep(ctx, period); err != nil {
			return err
		}
		n++
		if n >= iterations {
			return nil
		}
	}
}

// Flash plays the short acknowledgement pattern.
func (i *Indicator) Flash(ctx context.Context) error {
	return i.Pulse(ctx, FlashPeriod, FlashCount)
}

// Connected plays the network-up pattern.
func (i *Indicator) Connected(ctx context.Context) error {
	return i.Pulse(ctx, ConnectedPeriod, ConnectedCount)
}

// Searching blinks once, spending d in total. It is used as the wait
// between network connection attempts.
func (i *Indicator) Searching(ctx context.Context, d time.Duration) error {
	return i.Pulse(ctx, d/2, 1)
}
