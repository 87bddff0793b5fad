// Package link keeps the device's two connectivity layers alive: the
// wireless network and, on top of it, the messaging session.
//
// Every method runs on the control goroutine. Reconnection is blocking
// and unbounded: [Manager.Ensure] does not return until both layers are
// up (or the process is shutting down). While it blocks, nothing is
// published and no commands are serviced.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/connwatch"
	"github.com/nugget/gdo/internal/messaging"
	"github.com/nugget/gdo/internal/netlink"
)

// ErrNetworkDown is returned by [Manager.EnsureMessaging] when the
// network layer is not up. Messaging is never attempted without it.
var ErrNetworkDown = errors.New("link: network down")

var (
	errNetworkLost = errors.New("network lost")
	errSessionLost = errors.New("session lost")
)

// State is the connectivity state of one layer.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Indicator shows link progress on the status LED.
type Indicator interface {
	// Searching blinks while waiting d between network attempts.
	Searching(ctx context.Context, d time.Duration) error
	// Connected plays the network-up pattern.
	Connected(ctx context.Context) error
}

// Handler receives inbound messages from [Manager.Pump].
type Handler func(ctx context.Context, msg messaging.Message)

// Config holds the link settings.
type Config struct {
	// CommandTopic is subscribed after every successful session connect.
	CommandTopic string

	// AvailabilityTopic, when set, receives a retained "online" after
	// every connect and "offline" on Close.
	AvailabilityTopic string

	// Announce are extra retained messages published after every
	// connect, such as Home Assistant discovery configs.
	Announce []messaging.Message

	// NetworkRetry is the wait between network attempts.
	NetworkRetry time.Duration

	// MessagingRetry is the wait between session attempts.
	MessagingRetry time.Duration

	// PumpBatch caps the messages delivered per Pump. Zero means all
	// queued messages.
	PumpBatch int
}

// Manager owns the network and session handles.
type Manager struct {
	cfg       Config
	network   netlink.Network
	session   messaging.Session
	indicator Indicator
	logger    *slog.Logger

	netWatch *connwatch.Watcher
	msgWatch *connwatch.Watcher

	handler Handler

	mu       sync.Mutex
	netState State
	msgState State
}

// New creates a Manager. Both layers start Disconnected; nothing is
// attempted until Ensure (or EnsureNetwork) is called. indicator may be
// nil.
func New(cfg Config, network netlink.Network, session messaging.Session, indicator Indicator,
	clk clock.Clock, watchers *connwatch.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		network:   network,
		session:   session,
		indicator: indicator,
		logger:    logger,
	}

	netCfg := connwatch.WatcherConfig{
		Name:   "network",
		Delay:  cfg.NetworkRetry,
		Clock:  clk,
		Logger: logger,
	}
	if indicator != nil {
		netCfg.Wait = indicator.Searching
	}
	m.netWatch = watchers.Watch(netCfg)

	m.msgWatch = watchers.Watch(connwatch.WatcherConfig{
		Name:   "messaging",
		Delay:  cfg.MessagingRetry,
		Clock:  clk,
		Logger: logger,
	})
	return m
}

// SetHandler registers the receiver of inbound messages.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

// NetworkState returns the network layer state.
func (m *Manager) NetworkState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.netState
}

// MessagingState returns the messaging layer state.
func (m *Manager) MessagingState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msgState
}

func (m *Manager) setNetwork(s State) {
	m.mu.Lock()
	old := m.netState
	m.netState = s
	m.mu.Unlock()
	if old != s {
		m.logger.Debug("link state changed", "layer", "network", "from", old.String(), "to", s.String())
	}
}

func (m *Manager) setMessaging(s State) {
	m.mu.Lock()
	old := m.msgState
	m.msgState = s
	m.mu.Unlock()
	if old != s {
		m.logger.Debug("link state changed", "layer", "messaging", "from", old.String(), "to", s.String())
	}
}

// EnsureNetwork returns once the network is up, retrying forever at the
// fixed network delay. If the network was up and has been lost, the
// messaging layer is torn down first.
func (m *Manager) EnsureNetwork(ctx context.Context) error {
	if m.network.Connected(ctx) {
		if m.NetworkState() != Connected {
			m.setNetwork(Connected)
			m.netWatch.MarkUp()
		}
		return nil
	}

	if m.NetworkState() == Connected {
		m.networkLost()
	}

	m.setNetwork(Connecting)
	err := m.netWatch.Until(ctx, func(ctx context.Context) error {
		return m.network.Connect(ctx)
	})
	if err != nil {
		m.setNetwork(Disconnected)
		return err
	}
	m.setNetwork(Connected)

	if m.indicator != nil {
		if err := m.indicator.Connected(ctx); err != nil {
			return err
		}
	}
	return nil
}

// networkLost records a dropped network and forces the messaging layer
// down with it.
func (m *Manager) networkLost() {
	m.netWatch.MarkDown(errNetworkLost)
	m.setNetwork(Disconnected)

	if m.MessagingState() != Disconnected {
		m.session.Close()
		m.msgWatch.MarkDown(errNetworkLost)
		m.setMessaging(Disconnected)
	}
}

// sessionLost records a dropped session.
func (m *Manager) sessionLost() {
	m.msgWatch.MarkDown(errSessionLost)
	m.setMessaging(Disconnected)
}

// EnsureMessaging returns once the session is up and subscribed to the
// command topic. When already connected it returns immediately with no
// side effects. It never brings up the network: if the network is down
// it returns [ErrNetworkDown], also when the network drops between
// attempts.
func (m *Manager) EnsureMessaging(ctx context.Context) error {
	if m.MessagingState() == Connected {
		if m.session.Connected() {
			return nil
		}
		m.sessionLost()
	}

	if !m.network.Connected(ctx) {
		return ErrNetworkDown
	}

	m.setMessaging(Connecting)
	err := m.msgWatch.Until(ctx, func(ctx context.Context) error {
		if !m.network.Connected(ctx) {
			return connwatch.Abort(ErrNetworkDown)
		}
		if err := m.session.Connect(ctx); err != nil {
			return err
		}
		if err := m.session.Subscribe(ctx, m.cfg.CommandTopic); err != nil {
			m.session.Close()
			return fmt.Errorf("subscribe to command topic: %w", err)
		}
		return nil
	})
	if err != nil {
		m.setMessaging(Disconnected)
		return err
	}
	m.setMessaging(Connected)
	m.logger.Info("subscribed to command topic", "topic", m.cfg.CommandTopic)

	m.announce(ctx)
	return nil
}

// Ensure brings up the network and then the session, starting over
// if the network drops while the session is being established.
func (m *Manager) Ensure(ctx context.Context) error {
	for {
		if err := m.EnsureNetwork(ctx); err != nil {
			return err
		}
		err := m.EnsureMessaging(ctx)
		if errors.Is(err, ErrNetworkDown) {
			continue
		}
		return err
	}
}

// announce publishes the availability birth message and discovery
// configs. Failures are logged; the next reconnect retries them.
func (m *Manager) announce(ctx context.Context) {
	if m.cfg.AvailabilityTopic != "" {
		if err := m.session.Publish(ctx, m.cfg.AvailabilityTopic, []byte(messaging.PayloadOnline), true); err != nil {
			m.logger.Warn("availability publish failed", "status", messaging.PayloadOnline, "error", err)
		} else {
			m.logger.Info("availability published", "status", messaging.PayloadOnline)
		}
	}
	for _, msg := range m.cfg.Announce {
		if err := m.session.Publish(ctx, msg.Topic, msg.Payload, true); err != nil {
			m.logger.Warn("discovery publish failed", "topic", msg.Topic, "error", err)
			continue
		}
		m.logger.Debug("discovery published", "topic", msg.Topic)
	}
}

// Publish sends payload on topic and reports whether it was handed to
// the session. When the session is not connected nothing is sent and
// (false, nil) is returned.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) (bool, error) {
	if m.MessagingState() != Connected {
		m.logger.Debug("publish skipped, messaging not connected", "topic", topic)
		return false, nil
	}
	if !m.session.Connected() {
		m.sessionLost()
		m.logger.Debug("publish skipped, session lost", "topic", topic)
		return false, nil
	}

	if err := m.session.Publish(ctx, topic, payload, false); err != nil {
		if errors.Is(err, messaging.ErrNotConnected) {
			m.sessionLost()
		}
		return false, err
	}
	m.logger.Debug("published", "topic", topic, "payload", string(payload))
	return true, nil
}

// Pump delivers queued inbound messages to the handler, synchronously,
// and returns how many were delivered. It does nothing while messaging
// is not connected.
func (m *Manager) Pump(ctx context.Context) int {
	if m.MessagingState() != Connected {
		return 0
	}
	msgs := m.session.Drain(m.cfg.PumpBatch)
	for _, msg := range msgs {
		if m.handler != nil {
			m.handler(ctx, msg)
		}
	}
	return len(msgs)
}

// Close publishes the availability "offline" message if connected and
// disconnects the session.
func (m *Manager) Close(ctx context.Context) error {
	if m.MessagingState() == Connected && m.session.Connected() && m.cfg.AvailabilityTopic != "" {
		if err := m.session.Publish(ctx, m.cfg.AvailabilityTopic, []byte(messaging.PayloadOffline), true); err != nil {
			m.logger.Warn("availability publish failed", "status", messaging.PayloadOffline, "error", err)
		} else {
			m.logger.Info("availability published", "status", messaging.PayloadOffline)
		}
	}
	m.setMessaging(Disconnected)
	return m.session.Close()
}
