//go:build !linux

package hal

import (
	"fmt"

	"github.com/nugget/gdo/internal/config"
)

func openGPIOCDev(cfg config.HardwareConfig) (*Board, error) {
	return nil, fmt.Errorf("gpiocdev on %s: %w", cfg.Chip, ErrUnsupported)
}
