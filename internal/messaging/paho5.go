package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

// paho5Session is an MQTT v5 session on a single paho.Client. A new
// client is built for every connection attempt; callbacks from an older
// client are ignored by comparing generations.
type paho5Session struct {
	opts   options
	inbox  *inbox
	logger *slog.Logger

	mu        sync.Mutex
	client    *paho.Client
	gen       uint64
	connected bool
}

func newPaho5(opts options, in *inbox, logger *slog.Logger) *paho5Session {
	return &paho5Session{opts: opts, inbox: in, logger: logger}
}

func (s *paho5Session) Connect(ctx context.Context) error {
	s.Close()

	ctx, cancel := withTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	broker, err := s.opts.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve broker: %w", err)
	}
	conn, err := dialBroker(ctx, broker)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	client := paho.NewClient(paho.ClientConfig{
		ClientID: s.opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.inbox.push(Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.lost(gen, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.lost(gen, fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   s.opts.ClientID,
		KeepAlive:  uint16(s.opts.KeepAlive.Seconds()),
		CleanStart: true,
	}
	if s.opts.Username != "" {
		cp.Username = s.opts.Username
		cp.UsernameFlag = true
	}
	if s.opts.Password != "" {
		cp.Password = []byte(s.opts.Password)
		cp.PasswordFlag = true
	}
	if w := s.opts.Will; w != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     1,
			Retain:  w.Retain,
		}
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		if ca != nil {
			return fmt.Errorf("mqtt connect to %s: reason code %d: %w", broker, ca.ReasonCode, err)
		}
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

// lost marks the session down if gen is still the live connection.
func (s *paho5Session) lost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.connected {
		return
	}
	s.connected = false
	s.logger.Warn("mqtt session lost", "error", err)
}

func (s *paho5Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *paho5Session) live() (*paho.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *paho5Session) Subscribe(ctx context.Context, topic string) error {
	client, err := s.live()
	if err != nil {
		return err
	}
	suback, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if len(suback.Reasons) > 0 && suback.Reasons[0] >= 0x80 {
		return fmt.Errorf("subscribe %s: refused, reason code %d", topic, suback.Reasons[0])
	}
	return nil
}

func (s *paho5Session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	client, err := s.live()
	if err != nil {
		return err
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (s *paho5Session) Drain(max int) []Message {
	return s.inbox.drain(max)
}

func (s *paho5Session) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.connected = false
	s.gen++
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
