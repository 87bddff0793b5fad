package sensor

import (
	"errors"
	"math"
	"strconv"
	"testing"

	"github.com/nugget/gdo/internal/config"
	"github.com/nugget/gdo/internal/hal"
)

func TestDoorStateFromLevel(t *testing.T) {
	t.Parallel()

	if got := DoorStateFromLevel(false); got != DoorClosed {
		t.Errorf("low level = %q, want %q", got, DoorClosed)
	}
	if got := DoorStateFromLevel(true); got != DoorOpen {
		t.Errorf("high level = %q, want %q", got, DoorOpen)
	}
}

func TestDoor_Read(t *testing.T) {
	t.Parallel()

	pin := hal.NewSimPin(true)
	door := NewDoor(pin)

	got, err := door.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.String() != "Open" {
		t.Errorf("Read() = %q, want Open", got)
	}

	pin.Set(false)
	got, _ = door.Read()
	if got.String() != "Closed" {
		t.Errorf("Read() = %q, want Closed", got)
	}

	errWire := errors.New("wire cut")
	pin.FailReads(errWire)
	if _, err := door.Read(); !errors.Is(err, errWire) {
		t.Errorf("Read() error = %v, want %v", err, errWire)
	}
}

func TestCalibration_Convert(t *testing.T) {
	t.Parallel()

	cal := CalibrationFromConfig(config.Default().Calibration)

	tests := []struct {
		name string
		raw  int
		want float64
	}{
		// 0 mV is 50 °C below the TMP36 offset.
		{name: "zero", raw: 0, want: -58},
		// 240 counts: 240*1064/1024*2 = 498.75 mV, just under the offset.
		{name: "near offset", raw: 240, want: 31.775},
		// 350 counts: 727.34375 mV, 22.734375 °C.
		{name: "room temperature", raw: 350, want: 72.921875},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cal.Convert(tt.raw)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Convert(%d) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCalibration_Celsius(t *testing.T) {
	t.Parallel()

	cal := Calibration{
		ReferenceMillivolts: 1000,
		Resolution:          1000,
		DividerRatio:        1,
		OffsetMillivolts:    500,
		MillivoltsPerDegree: 10,
	}
	if got := cal.Convert(750); got != 25 {
		t.Errorf("Convert(750) = %v, want 25", got)
	}
	if cal.Unit() != "°C" {
		t.Errorf("Unit() = %q, want °C", cal.Unit())
	}
}

func TestFormatTemperature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{72.921875, "72.92"},
		{-58, "-58.00"},
		{0.005, "0.01"},
		{100, "100.00"},
	}
	for _, tt := range tests {
		got := FormatTemperature(tt.in)
		if got != tt.want {
			t.Errorf("FormatTemperature(%v) = %q, want %q", tt.in, got, tt.want)
		}
		if _, err := strconv.ParseFloat(got, 64); err != nil {
			t.Errorf("FormatTemperature(%v) = %q does not parse: %v", tt.in, got, err)
		}
	}
}

func TestThermometer_Read(t *testing.T) {
	t.Parallel()

	adc := &hal.SimADC{}
	adc.Set(350)
	therm := NewThermometer(adc, CalibrationFromConfig(config.Default().Calibration))

	got, err := therm.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if FormatTemperature(got) != "72.92" {
		t.Errorf("Read() = %v, want 72.92", got)
	}
	if therm.Unit() != "°F" {
		t.Errorf("Unit() = %q, want °F", therm.Unit())
	}

	errADC := errors.New("adc busy")
	adc.Fail(errADC)
	if _, err := therm.Read(); !errors.Is(err, errADC) {
		t.Errorf("Read() error = %v, want %v", err, errADC)
	}
}
