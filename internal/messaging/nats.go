package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsSubject maps an MQTT topic filter onto a NATS subject: levels are
// separated by "." instead of "/", and the wildcards "+" and "#" become
// "*" and ">".
func natsSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, l := range levels {
		switch l {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// mqttTopic is the inverse of natsSubject for concrete subjects.
func mqttTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// natsSession publishes and subscribes over core NATS. NATS has no
// retained messages and no will, so retain is ignored and availability
// relies on the clean shutdown message.
type natsSession struct {
	opts   options
	inbox  *inbox
	logger *slog.Logger

	mu        sync.Mutex
	conn      *nats.Conn
	gen       uint64
	connected bool
}

func newNATS(opts options, in *inbox, logger *slog.Logger) *natsSession {
	return &natsSession{opts: opts, inbox: in, logger: logger}
}

func (s *natsSession) Connect(ctx context.Context) error {
	s.Close()

	ctx, cancel := withTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	server, err := s.opts.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve broker: %w", err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	natsOpts := []nats.Option{
		nats.Name(s.opts.ClientID),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.lost(gen, err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.lost(gen, nats.ErrConnectionClosed)
		}),
	}
	if s.opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(s.opts.ConnectTimeout))
	}
	if s.opts.KeepAlive > 0 {
		natsOpts = append(natsOpts, nats.PingInterval(s.opts.KeepAlive))
	}
	if s.opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(s.opts.Username, s.opts.Password))
	}

	conn, err := nats.Connect(server, natsOpts...)
	if err != nil {
		return fmt.Errorf("nats connect to %s: %w", server, err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return err
	}

	s.inbox.reset()
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.logger.Debug("nats session established", "server", server, "name", s.opts.ClientID)
	return nil
}

func (s *natsSession) lost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.connected {
		return
	}
	s.connected = false
	s.logger.Warn("nats session lost", "error", err)
}

func (s *natsSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.conn != nil && s.conn.IsConnected()
}

func (s *natsSession) live() (*nats.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *natsSession) Subscribe(ctx context.Context, topic string) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	subject := natsSubject(topic)
	wildcard := strings.ContainsAny(subject, "*>")

	if _, err := conn.Subscribe(subject, func(m *nats.Msg) {
		t := topic
		if wildcard {
			t = mqttTopic(m.Subject)
		}
		s.inbox.push(Message{Topic: t, Payload: m.Data})
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("subscribe %s: flush: %w", subject, err)
	}
	return nil
}

func (s *natsSession) Publish(_ context.Context, topic string, payload []byte, _ bool) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	if err := conn.Publish(natsSubject(topic), payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (s *natsSession) Drain(max int) []Message {
	return s.inbox.drain(max)
}

func (s *natsSession) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.gen++
	s.mu.Unlock()

	if conn != nil {
		conn.Flush()
		conn.Close()
	}
	return nil
}
