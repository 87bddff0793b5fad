// Package messaging provides the publish/subscribe session the device
// uses to report readings and receive commands.
//
// Three backends implement [Session]: MQTT v5 through Eclipse Paho v2
// (mqtt5), MQTT 3.1.1 through the classic Paho client (mqtt311), and
// NATS (nats). None of them reconnect on their own. The link package
// owns the retry loop and calls [Session.Connect] again after a loss.
//
// Inbound messages arrive on library goroutines. They are queued in a
// bounded inbox and handed to the control goroutine by [Session.Drain],
// so command handling stays single threaded.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/config"
)

// ErrNotConnected is returned by Subscribe and Publish when the session
// is down.
var ErrNotConnected = errors.New("messaging: session not connected")

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte

	// Received is when the message entered the inbox. It is zero for
	// messages built locally, such as discovery configs.
	Received time.Time
}

// Will is the message the broker publishes on the device's behalf when
// the session drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Session is a single broker session.
type Session interface {
	// Connect makes one attempt to establish the session. A previous,
	// lost connection is discarded first.
	Connect(ctx context.Context) error
	// Connected reports whether the session is currently established.
	Connected() bool
	// Subscribe registers interest in topic.
	Subscribe(ctx context.Context, topic string) error
	// Publish sends payload on topic.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	// Drain removes and returns up to max queued inbound messages, in
	// arrival order. max <= 0 returns everything queued.
	Drain(max int) []Message
	// Close disconnects cleanly.
	Close() error
}

// ResolveFunc returns the broker URL to use for the next attempt.
type ResolveFunc func(ctx context.Context) (string, error)

// options carries the backend-independent session settings.
type options struct {
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Will           *Will
	Resolve        ResolveFunc
}

// Open builds the session backend named by cfg.Backend. It does not
// connect. When cfg.Broker is empty the broker is located through mDNS
// on each connection attempt. Inbound messages are stamped with clk.
func Open(cfg config.MessagingConfig, clientID string, clk clock.Clock, logger *slog.Logger) (Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	logger = logger.With("backend", cfg.Backend)

	opts := options{
		ClientID:       clientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
	}
	if cfg.AvailabilityTopic != "" {
		opts.Will = &Will{
			Topic:   cfg.AvailabilityTopic,
			Payload: []byte(PayloadOffline),
			Retain:  true,
		}
	}

	if cfg.Broker != "" {
		if _, err := url.Parse(cfg.Broker); err != nil {
			return nil, fmt.Errorf("parse broker URL: %w", err)
		}
		broker := cfg.Broker
		opts.Resolve = func(context.Context) (string, error) { return broker, nil }
	}

	in := newInbox(cfg.InboundQueue, clk, logger)

	switch cfg.Backend {
	case "mqtt5":
		if opts.Resolve == nil {
			opts.Resolve = DiscoverBroker(ServiceMQTT, "mqtt", logger)
		}
		return newPaho5(opts, in, logger), nil
	case "mqtt311":
		if opts.Resolve == nil {
			opts.Resolve = DiscoverBroker(ServiceMQTT, "mqtt", logger)
		}
		return newPaho311(opts, in, logger), nil
	case "nats":
		if opts.Resolve == nil {
			opts.Resolve = DiscoverBroker(ServiceNATS, "nats", logger)
		}
		return newNATS(opts, in, logger), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", cfg.Backend)
	}
}

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
