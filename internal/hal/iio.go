package hal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// IIOADC reads a raw count from a Linux industrial I/O sysfs attribute,
// e.g. /sys/bus/iio/devices/iio:device0/in_voltage0_raw. Each read
// triggers a fresh conversion in the kernel driver.
type IIOADC struct {
	Path string
}

// ReadRaw reads and parses the attribute.
func (a IIOADC) ReadRaw() (int, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return 0, fmt.Errorf("read adc %s: %w", a.Path, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse adc %s: %w", a.Path, err)
	}
	return raw, nil
}
