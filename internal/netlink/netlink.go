// Package netlink manages the device's wireless network link.
//
// A [Network] reports whether the link is usable and makes one attempt
// to bring it up per [Network.Connect] call. Retrying is the caller's
// job; see the link package.
package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/config"
)

// ErrNotReady is returned when an interface exists but has no usable
// address yet.
var ErrNotReady = errors.New("netlink: interface not ready")

// Network is one network link.
type Network interface {
	// Connected reports whether the link is up with a routable address.
	Connected(ctx context.Context) bool
	// Connect makes a single attempt to bring the link up.
	Connect(ctx context.Context) error
}

// Open returns the network backend named by cfg.Driver. clk paces the
// wait for NetworkManager activation.
func Open(cfg config.NetworkConfig, clk clock.Clock, logger *slog.Logger) (Network, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	switch cfg.Driver {
	case "networkmanager":
		return NewNetworkManager(cfg, clk, logger), nil
	case "static":
		return &Static{Interface: cfg.Interface, check: InterfaceReady}, nil
	case "sim":
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown network driver %q", cfg.Driver)
	}
}

// InterfaceReady reports whether the named interface is up, running,
// and holds a non-loopback, non-link-local IPv4 address.
func InterfaceReady(name string) (bool, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return false, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagRunning == 0 {
		return false, nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return false, fmt.Errorf("addresses of %s: %w", name, err)
	}
	return hasRoutableIPv4(addrs), nil
}

func hasRoutableIPv4(addrs []net.Addr) bool {
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipn.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return true
	}
	return false
}

// CheckFunc reports interface readiness; [InterfaceReady] in production.
type CheckFunc func(name string) (bool, error)

// Static is a link managed outside this process, such as wired
// Ethernet. Connect only re-checks the interface.
type Static struct {
	Interface string
	check     CheckFunc
}

// Connected reports whether the interface has an address.
func (s *Static) Connected(context.Context) bool {
	ok, _ := s.check(s.Interface)
	return ok
}

// Connect returns nil if the interface is ready.
func (s *Static) Connect(context.Context) error {
	ok, err := s.check(s.Interface)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", s.Interface, ErrNotReady)
	}
	return nil
}

// Sim is a scripted network for tests and desktop runs. Each Connect
// consumes the next scripted result; once the script is exhausted,
// Connect succeeds.
type Sim struct {
	mu       sync.Mutex
	up       bool
	script   []error
	attempts int
}

// NewSim returns a Sim that is down and will connect on first attempt.
func NewSim() *Sim {
	return &Sim{}
}

// Script queues results for the following Connect calls.
func (s *Sim) Script(results ...error) {
	s.mu.Lock()
	s.script = append(s.script, results...)
	s.mu.Unlock()
}

// SetUp forces the link state, e.g. to simulate losing the access point.
func (s *Sim) SetUp(up bool) {
	s.mu.Lock()
	s.up = up
	s.mu.Unlock()
}

// Attempts returns the number of Connect calls so far.
func (s *Sim) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connected reports the simulated state.
func (s *Sim) Connected(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// Connect consumes one scripted result.
func (s *Sim) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return err
		}
	}
	s.up = true
	return nil
}
