package messaging

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// disconnectQuiesce is how long a clean disconnect waits for in-flight
// work, in milliseconds.
const disconnectQuiesce = 250

// paho311Session is an MQTT 3.1.1 session using the classic Paho client,
// the same protocol level small microcontroller stacks speak.
type paho311Session struct {
	opts   options
	inbox  *inbox
	logger *slog.Logger

	mu        sync.Mutex
	client    pahomqtt.Client
	gen       uint64
	connected bool
}

func newPaho311(opts options, in *inbox, logger *slog.Logger) *paho311Session {
	return &paho311Session{opts: opts, inbox: in, logger: logger}
}

// waitToken blocks until tok completes or ctx is done.
func waitToken(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *paho311Session) clientOptions(broker string, gen uint64) *pahomqtt.ClientOptions {
	o := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(s.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
			s.inbox.push(Message{Topic: m.Topic(), Payload: m.Payload()})
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.lost(gen, err)
		})

	if s.opts.KeepAlive > 0 {
		o.SetKeepAlive(s.opts.KeepAlive)
	}
	if s.opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(s.opts.ConnectTimeout)
	}
	if s.opts.Username != "" {
		o.SetUsername(s.opts.Username)
		o.SetPassword(s.opts.Password)
	}
	if w := s.opts.Will; w != nil {
		o.SetBinaryWill(w.Topic, w.Payload, 1, w.Retain)
	}
	return o
}

func (s *paho311Session) Connect(ctx context.Context) error {
	s.Close()

	ctx, cancel := withTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	broker, err := s.opts.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve broker: %w", err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	client := pahomqtt.NewClient(s.clientOptions(broker, gen))
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}

	s.inbox.reset()
	s.mu.Lock()
	s.client = client
	s.connected = true
	s.mu.Unlock()

	s.logger.Debug("mqtt session established", "broker", broker, "client_id", s.opts.ClientID)
	return nil
}

func (s *paho311Session) lost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.connected {
		return
	}
	s.connected = false
	s.logger.Warn("mqtt session lost", "error", err)
}

func (s *paho311Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.client != nil && s.client.IsConnectionOpen()
}

func (s *paho311Session) live() (pahomqtt.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *paho311Session) Subscribe(ctx context.Context, topic string) error {
	client, err := s.live()
	if err != nil {
		return err
	}
	if err := waitToken(ctx, client.Subscribe(topic, 0, nil)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (s *paho311Session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	client, err := s.live()
	if err != nil {
		return err
	}
	if err := waitToken(ctx, client.Publish(topic, 0, retain, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (s *paho311Session) Drain(max int) []Message {
	return s.inbox.drain(max)
}

func (s *paho311Session) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.connected = false
	s.gen++
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}
