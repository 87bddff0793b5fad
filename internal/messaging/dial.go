package messaging

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/gorilla/websocket"
)

// brokerAddr returns host:port for u, filling in the scheme's default
// port when none is given.
func brokerAddr(u *url.URL) (string, error) {
	if u.Port() != "" {
		return u.Host, nil
	}
	var port string
	switch u.Scheme {
	case "mqtt", "tcp":
		port = "1883"
	case "mqtts", "ssl", "tls":
		port = "8883"
	case "ws":
		port = "80"
	case "wss":
		port = "443"
	case "nats":
		port = "4222"
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// dialBroker opens the transport for an MQTT v5 session. Plain and TLS
// sockets are used directly; ws and wss wrap a websocket in a net.Conn.
func dialBroker(ctx context.Context, rawURL string) (net.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	addr, err := brokerAddr(u)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "mqtt", "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil

	case "mqtts", "ssl", "tls":
		d := tls.Dialer{Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: u.Hostname(),
		}}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tls %s: %w", addr, err)
		}
		return conn, nil

	case "ws", "wss":
		return dialWebsocket(ctx, u)

	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// dialWebsocket connects to an MQTT-over-websocket listener. The
// subprotocol name is fixed by the MQTT standard.
func dialWebsocket(ctx context.Context, u *url.URL) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:    []string{"mqtt"},
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", u.Redacted(), err)
	}
	return newWSConn(ws), nil
}
