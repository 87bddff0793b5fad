// Package config handles gdo configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gdo/config.yaml, /etc/gdo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gdo", "config.yaml"))
	}

	paths = append(paths, "/etc/gdo/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all gdo configuration. It is read once at startup and
// treated as read-only afterwards.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text (default) or json
	Network     NetworkConfig     `yaml:"network"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Hardware    HardwareConfig    `yaml:"hardware"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Status      StatusConfig      `yaml:"status"`
}

// NetworkConfig defines the wireless link.
type NetworkConfig struct {
	// Driver selects the network backend: networkmanager, static, or sim.
	Driver     string        `yaml:"driver"`
	Interface  string        `yaml:"interface"`
	SSID       string        `yaml:"ssid"`
	Passphrase string        `yaml:"passphrase"`
	Hostname   string        `yaml:"hostname"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// MessagingConfig defines the publish/subscribe session.
type MessagingConfig struct {
	// Backend selects the session implementation: mqtt5, mqtt311, or nats.
	Backend string `yaml:"backend"`
	// Broker is a URL such as mqtt://host:1883, mqtts://, ws://, or
	// nats://. Empty means discover an _mqtt._tcp broker via mDNS.
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"` // default: network hostname
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	InboundQueue   int           `yaml:"inbound_queue"`

	CommandTopic     string `yaml:"command_topic"`
	TemperatureTopic string `yaml:"temperature_topic"`
	DoorTopic        string `yaml:"door_topic"`

	// AvailabilityTopic, when set, receives a retained "online" birth
	// message on every connect and an "offline" will.
	AvailabilityTopic string `yaml:"availability_topic"`
	// DiscoveryPrefix, when set, enables Home Assistant MQTT discovery
	// (typically "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

// ScheduleConfig defines the periodic publish intervals.
type ScheduleConfig struct {
	TemperatureInterval time.Duration `yaml:"temperature_interval"`
	DoorInterval        time.Duration `yaml:"door_interval"`
	IdleTick            time.Duration `yaml:"idle_tick"`
}

// HardwareConfig defines the physical I/O boundary.
type HardwareConfig struct {
	// Driver selects the GPIO backend: periph, gpiocdev, or sim.
	Driver       string        `yaml:"driver"`
	Chip         string        `yaml:"chip"` // gpiocdev only
	SwitchPin    int           `yaml:"switch_pin"`
	RelayPin     int           `yaml:"relay_pin"`
	LEDPin       int           `yaml:"led_pin"`
	LEDActiveLow bool          `yaml:"led_active_low"`
	ADCPath      string        `yaml:"adc_path"`
	PulseWidth   time.Duration `yaml:"pulse_width"`
}

// CalibrationConfig holds the analog front-end constants used to turn
// a raw ADC count into a temperature.
type CalibrationConfig struct {
	ReferenceMillivolts float64 `yaml:"reference_mv"`
	Resolution          float64 `yaml:"resolution"`
	DividerRatio        float64 `yaml:"divider_ratio"`
	OffsetMillivolts    float64 `yaml:"offset_mv"`
	MillivoltsPerDegree float64 `yaml:"mv_per_degree"`
	Fahrenheit          bool    `yaml:"fahrenheit"`
}

// StatusConfig defines the optional read-only HTTP status endpoint.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file. Defaults are applied first,
// so a file only needs the fields it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns the default configuration. Pins, topics, and the
// calibration constants match the reference ESP8266 wiring: door switch
// on GPIO12, relay on GPIO14, indicator LED on GPIO0, and a TMP36 read
// through a 2:1 divider against a 1064 mV reference.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Network: NetworkConfig{
			Driver:     "networkmanager",
			Interface:  "wlan0",
			Hostname:   "esp8266-garage",
			RetryDelay: 500 * time.Millisecond,
		},
		Messaging: MessagingConfig{
			Backend:          "mqtt5",
			KeepAlive:        30 * time.Second,
			ConnectTimeout:   10 * time.Second,
			RetryDelay:       5 * time.Second,
			InboundQueue:     16,
			CommandTopic:     "openhab/garage/relay1",
			TemperatureTopic: "openhab/garage/temperature",
			DoorTopic:        "openhab/garage/switch",
			DeviceName:       "Garage Door",
		},
		Schedule: ScheduleConfig{
			TemperatureInterval: 600000 * time.Millisecond,
			DoorInterval:        10000 * time.Millisecond,
			IdleTick:            10 * time.Millisecond,
		},
		Hardware: HardwareConfig{
			Driver:       "periph",
			Chip:         "gpiochip0",
			SwitchPin:    12,
			RelayPin:     14,
			LEDPin:       0,
			LEDActiveLow: true,
			ADCPath:      "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
			PulseWidth:   500 * time.Millisecond,
		},
		Calibration: CalibrationConfig{
			ReferenceMillivolts: 1064,
			Resolution:          1024,
			DividerRatio:        2,
			OffsetMillivolts:    500,
			MillivoltsPerDegree: 10,
			Fahrenheit:          true,
		},
		Status: StatusConfig{
			Address: "127.0.0.1",
			Port:    8089,
		},
	}
}

// ClientID returns the messaging client identifier: the configured value
// or, by default, the network hostname.
func (c *Config) ClientID() string {
	if c.Messaging.ClientID != "" {
		return c.Messaging.ClientID
	}
	return c.Network.Hostname
}

// Validate checks the configuration for values the device cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		add("log_format %q (valid: text, json)", c.LogFormat)
	}

	switch c.Network.Driver {
	case "networkmanager":
		if c.Network.SSID == "" {
			add("network.ssid is required for the networkmanager driver")
		}
		if c.Network.Interface == "" {
			add("network.interface is required for the networkmanager driver")
		}
	case "static":
		if c.Network.Interface == "" {
			add("network.interface is required for the static driver")
		}
	case "sim":
	default:
		add("network.driver %q (valid: networkmanager, static, sim)", c.Network.Driver)
	}
	if c.Network.RetryDelay <= 0 {
		add("network.retry_delay must be positive")
	}

	switch c.Messaging.Backend {
	case "mqtt5", "mqtt311", "nats":
	default:
		add("messaging.backend %q (valid: mqtt5, mqtt311, nats)", c.Messaging.Backend)
	}
	if c.ClientID() == "" {
		add("messaging.client_id or network.hostname is required")
	}
	if c.Messaging.RetryDelay <= 0 {
		add("messaging.retry_delay must be positive")
	}
	if c.Messaging.CommandTopic == "" {
		add("messaging.command_topic is required")
	}
	if c.Messaging.TemperatureTopic == "" {
		add("messaging.temperature_topic is required")
	}
	if c.Messaging.DoorTopic == "" {
		add("messaging.door_topic is required")
	}
	if c.Messaging.TemperatureTopic != "" && c.Messaging.TemperatureTopic == c.Messaging.DoorTopic {
		add("messaging.temperature_topic and messaging.door_topic must differ")
	}
	if c.Messaging.DiscoveryPrefix != "" && c.Messaging.AvailabilityTopic == "" {
		add("messaging.discovery_prefix requires messaging.availability_topic")
	}

	if c.Schedule.TemperatureInterval <= 0 {
		add("schedule.temperature_interval must be positive")
	}
	if c.Schedule.DoorInterval <= 0 {
		add("schedule.door_interval must be positive")
	}
	if c.Schedule.IdleTick < 0 {
		add("schedule.idle_tick must not be negative")
	}

	switch c.Hardware.Driver {
	case "periph", "gpiocdev", "sim":
	default:
		add("hardware.driver %q (valid: periph, gpiocdev, sim)", c.Hardware.Driver)
	}
	if c.Hardware.PulseWidth <= 0 {
		add("hardware.pulse_width must be positive")
	}
	if c.Hardware.SwitchPin == c.Hardware.RelayPin {
		add("hardware.switch_pin and hardware.relay_pin must differ")
	}

	if c.Calibration.Resolution <= 0 {
		add("calibration.resolution must be positive")
	}
	if c.Calibration.MillivoltsPerDegree == 0 {
		add("calibration.mv_per_degree must not be zero")
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		add("status.port %d out of range", c.Status.Port)
	}

	return errors.Join(errs...)
}
