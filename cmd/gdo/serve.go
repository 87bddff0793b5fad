package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/gdo/internal/actuator"
	"github.com/nugget/gdo/internal/buildinfo"
	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/config"
	"github.com/nugget/gdo/internal/connwatch"
	"github.com/nugget/gdo/internal/dispatch"
	"github.com/nugget/gdo/internal/hal"
	"github.com/nugget/gdo/internal/link"
	"github.com/nugget/gdo/internal/messaging"
	"github.com/nugget/gdo/internal/netlink"
	"github.com/nugget/gdo/internal/scheduler"
	"github.com/nugget/gdo/internal/sensor"
	"github.com/nugget/gdo/internal/status"
)

// device is the fully wired controller: hardware, link, dispatcher, and
// the scheduler that drives them.
type device struct {
	board      *hal.Board
	indicator  *actuator.Indicator
	relay      *actuator.Relay
	dispatcher *dispatch.Dispatcher
	link       *link.Manager
	sched      *scheduler.Scheduler
	watchers   *connwatch.Manager
	recorder   *status.Recorder
	status     *status.Server // nil when disabled
}

// newDevice opens the hardware and builds every component from cfg.
// Nothing touches the network until the scheduler runs.
func newDevice(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*device, error) {
	board, err := hal.Open(cfg.Hardware, logger.With("component", "hal"))
	if err != nil {
		return nil, err
	}

	d := &device{
		board:    board,
		watchers: connwatch.NewManager(logger),
		recorder: status.NewRecorder(),
	}
	d.indicator = actuator.NewIndicator(board.LED, cfg.Hardware.LEDActiveLow, clk)
	d.relay = actuator.NewRelay(board.Relay, d.indicator, cfg.Hardware.PulseWidth, clk, logger.With("component", "relay"))

	d.dispatcher = dispatch.New(d.relay, logger.With("component", "dispatch"))
	d.dispatcher.OnOutcome(func(topic string, cmd dispatch.Command, outcome dispatch.Outcome) {
		d.recorder.Command(topic, cmd.String(), outcome.String(), clk.Now())
	})

	network, err := netlink.Open(cfg.Network, clk, logger.With("component", "network"))
	if err != nil {
		board.Close()
		return nil, err
	}

	session, err := messaging.Open(cfg.Messaging, cfg.ClientID(), clk, logger.With("component", "messaging"))
	if err != nil {
		board.Close()
		return nil, err
	}

	thermo := sensor.NewThermometer(board.ADC, sensor.CalibrationFromConfig(cfg.Calibration))
	door := sensor.NewDoor(board.Switch)

	announce, err := discoveryMessages(cfg, thermo.Unit())
	if err != nil {
		board.Close()
		return nil, err
	}

	d.link = link.New(link.Config{
		CommandTopic:      cfg.Messaging.CommandTopic,
		AvailabilityTopic: cfg.Messaging.AvailabilityTopic,
		Announce:          announce,
		NetworkRetry:      cfg.Network.RetryDelay,
		MessagingRetry:    cfg.Messaging.RetryDelay,
	}, network, session, d.indicator, clk, d.watchers, logger.With("component", "link"))

	d.link.SetHandler(func(ctx context.Context, msg messaging.Message) {
		d.dispatcher.Handle(ctx, msg)
	})

	taskLogger := logger.With("component", "tasks")
	d.sched = scheduler.New(logger.With("component", "scheduler"), clk, d.link, cfg.Schedule.IdleTick)
	d.sched.Add(&scheduler.Task{
		Name:     "temperature",
		Interval: cfg.Schedule.TemperatureInterval,
		Fire:     temperatureTask(thermo, d.link, cfg.Messaging.TemperatureTopic, d.indicator, d.recorder, clk, taskLogger),
	})
	d.sched.Add(&scheduler.Task{
		Name:     "door",
		Interval: cfg.Schedule.DoorInterval,
		Fire:     doorTask(door, d.link, cfg.Messaging.DoorTopic, d.recorder, clk, taskLogger),
	})

	if cfg.Status.Enabled {
		d.status = status.NewServer(cfg.Status, d.watchers, d.sched, d.recorder, logger.With("component", "status"))
	}
	return d, nil
}

// discoveryMessages returns the Home Assistant discovery configs, or nil
// when discovery is disabled.
func discoveryMessages(cfg *config.Config, unit string) ([]messaging.Message, error) {
	if cfg.Messaging.DiscoveryPrefix == "" {
		return nil, nil
	}

	node := cfg.Network.Hostname
	if node == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname for discovery: %w", err)
		}
		node = h
	}

	device := messaging.NewDeviceInfo(messaging.DeviceID(node), cfg.Messaging.DeviceName)
	return messaging.DiscoveryMessages(messaging.DiscoveryTopics{
		Prefix:       cfg.Messaging.DiscoveryPrefix,
		Node:         node,
		Availability: cfg.Messaging.AvailabilityTopic,
		Temperature:  cfg.Messaging.TemperatureTopic,
		Door:         cfg.Messaging.DoorTopic,
		Command:      cfg.Messaging.CommandTopic,
	}, device, unit)
}

// close publishes the offline status, disconnects, and releases the
// hardware. The relay is left low.
func (d *device) close(ctx context.Context) error {
	var errs []error
	if err := d.link.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close link: %w", err))
	}
	if d.status != nil {
		if err := d.status.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop status server: %w", err))
		}
	}
	if err := d.board.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close hardware: %w", err))
	}
	return errors.Join(errs...)
}

// runServe handles "gdo run". It wires the device, brings both link
// layers up, and runs the control loop until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting gdo", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"hardware", cfg.Hardware.Driver,
		"network", cfg.Network.Driver,
		"messaging", cfg.Messaging.Backend,
		"broker", cfg.Messaging.Broker,
		"client_id", cfg.ClientID(),
	)

	d, err := newDevice(cfg, clock.Real{}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if d.status != nil {
		go func() {
			if err := d.status.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	err = d.link.Ensure(ctx)
	if err == nil {
		err = d.sched.Run(ctx)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("control loop stopped", "error", err)
	} else {
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if cerr := d.close(shutdownCtx); cerr != nil {
		logger.Error("shutdown failed", "error", cerr)
	}

	logger.Info("gdo stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}
