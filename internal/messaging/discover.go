package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

// mDNS service types browsed when no broker is configured.
const (
	ServiceMQTT = "_mqtt._tcp"
	ServiceNATS = "_nats._tcp"
)

// discoveryTimeout bounds a single mDNS browse.
const discoveryTimeout = 3 * time.Second

// ErrNoBroker is returned when mDNS finds no broker.
var ErrNoBroker = errors.New("messaging: no broker found via mDNS")

// DiscoverBroker returns a [ResolveFunc] that browses for service on the
// local network and builds a URL with scheme from the first answer.
func DiscoverBroker(service, scheme string, logger *slog.Logger) ResolveFunc {
	return func(ctx context.Context) (string, error) {
		entry, err := lookupService(ctx, service)
		if err != nil {
			return "", err
		}
		u := entryURL(scheme, entry)
		logger.Info("discovered broker",
			"service", service,
			"name", entry.Name,
			"url", u,
		)
		return u, nil
	}
}

func lookupService(ctx context.Context, service string) (*mdns.ServiceEntry, error) {
	timeout := discoveryTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	done := make(chan error, 1)
	go func() {
		done <- mdns.Query(params)
		close(entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			if err := <-done; err != nil {
				return nil, fmt.Errorf("mdns query %s: %w", service, err)
			}
			return nil, fmt.Errorf("%s: %w", service, ErrNoBroker)
		}
		return entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func entryURL(scheme string, e *mdns.ServiceEntry) string {
	var host string
	switch {
	case e.AddrV4 != nil:
		host = e.AddrV4.String()
	case e.AddrV6 != nil:
		host = e.AddrV6.String()
	default:
		host = e.Host
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}
