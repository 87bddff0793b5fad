// Package sensor turns raw hardware readings into the values the device
// publishes: the door position and the garage temperature.
package sensor

import (
	"fmt"
	"strconv"

	"github.com/nugget/gdo/internal/config"
	"github.com/nugget/gdo/internal/hal"
)

// DoorState is the position of the door as reported by the reed switch.
type DoorState string

const (
	// DoorOpen is published when the switch input reads high.
	DoorOpen DoorState = "Open"
	// DoorClosed is published when the switch input reads low.
	DoorClosed DoorState = "Closed"
)

// String returns the wire payload for the state.
func (s DoorState) String() string { return string(s) }

// DoorStateFromLevel maps the switch input level to a door state. The
// input is pulled up, so a closed switch (door shut) reads low.
func DoorStateFromLevel(high bool) DoorState {
	if high {
		return DoorOpen
	}
	return DoorClosed
}

// Door reads the door position switch.
type Door struct {
	in hal.DigitalIn
}

// NewDoor returns a Door reading from in.
func NewDoor(in hal.DigitalIn) *Door {
	return &Door{in: in}
}

// Read samples the switch and returns the current door state.
func (d *Door) Read() (DoorState, error) {
	high, err := d.in.Read()
	if err != nil {
		return "", fmt.Errorf("read door switch: %w", err)
	}
	return DoorStateFromLevel(high), nil
}

// Calibration is the linear conversion from an ADC count to a
// temperature for an analog sensor behind a resistor divider.
type Calibration struct {
	ReferenceMillivolts float64
	Resolution          float64
	DividerRatio        float64
	OffsetMillivolts    float64
	MillivoltsPerDegree float64
	Fahrenheit          bool
}

// CalibrationFromConfig copies the calibration constants out of cfg.
func CalibrationFromConfig(cfg config.CalibrationConfig) Calibration {
	return Calibration{
		ReferenceMillivolts: cfg.ReferenceMillivolts,
		Resolution:          cfg.Resolution,
		DividerRatio:        cfg.DividerRatio,
		OffsetMillivolts:    cfg.OffsetMillivolts,
		MillivoltsPerDegree: cfg.MillivoltsPerDegree,
		Fahrenheit:          cfg.Fahrenheit,
	}
}

// Millivolts returns the sensor output voltage for a raw count, undoing
// the divider.
func (c Calibration) Millivolts(raw int) float64 {
	return float64(raw) * c.ReferenceMillivolts / c.Resolution * c.DividerRatio
}

// Convert returns the temperature for a raw count in the configured unit.
func (c Calibration) Convert(raw int) float64 {
	celsius := (c.Millivolts(raw) - c.OffsetMillivolts) / c.MillivoltsPerDegree
	if c.Fahrenheit {
		return celsius*1.8 + 32
	}
	return celsius
}

// Unit returns the unit symbol for the configured scale.
func (c Calibration) Unit() string {
	if c.Fahrenheit {
		return "°F"
	}
	return "°C"
}

// FormatTemperature renders a temperature as decimal ASCII with two
// fractional digits, e.g. "71.03".
func FormatTemperature(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Thermometer reads the analog temperature sensor.
type Thermometer struct {
	adc hal.AnalogIn
	cal Calibration
}

// NewThermometer returns a Thermometer reading adc with cal.
func NewThermometer(adc hal.AnalogIn, cal Calibration) *Thermometer {
	return &Thermometer{adc: adc, cal: cal}
}

// Read samples the ADC and returns the calibrated temperature.
func (t *Thermometer) Read() (float64, error) {
	raw, err := t.adc.ReadRaw()
	if err != nil {
		return 0, fmt.Errorf("read temperature adc: %w", err)
	}
	return t.cal.Convert(raw), nil
}

// Unit returns the unit symbol of values returned by Read.
func (t *Thermometer) Unit() string { return t.cal.Unit() }
