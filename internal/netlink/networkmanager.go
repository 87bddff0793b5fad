package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Wifx/gonetworkmanager/v2"
	"github.com/google/uuid"
	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/config"
)

var (
	// ErrActivationFailed is returned when NetworkManager gives up on
	// the wireless profile, e.g. because the access point is out of
	// range or rejected the passphrase.
	ErrActivationFailed = errors.New("netlink: activation failed")

	// ErrActivationTimeout is returned when the profile is still
	// activating after activateTimeout.
	ErrActivationTimeout = errors.New("netlink: activation timed out")
)

const (
	activatePoll    = 250 * time.Millisecond
	activateTimeout = 30 * time.Second
)

// activation is an in-progress or finished profile activation.
type activation interface {
	GetPropertyState() (gonetworkmanager.NmActiveConnectionState, error)
}

// nmBus is the part of the NetworkManager D-Bus API the driver uses.
type nmBus interface {
	// DeviceState returns the state of the device bound to iface.
	DeviceState(iface string) (gonetworkmanager.NmDeviceState, error)
	// Activate brings up the profile named id on iface, adding it from
	// settings first if NetworkManager has no such profile.
	Activate(iface, id string, settings gonetworkmanager.ConnectionSettings) (activation, error)
}

// NetworkManager joins a WPA network through the NetworkManager D-Bus
// API. The device keeps one saved profile per SSID; each Connect
// activates it and waits for NetworkManager to report the result.
type NetworkManager struct {
	cfg    config.NetworkConfig
	bus    nmBus
	check  CheckFunc
	clock  clock.Clock
	logger *slog.Logger
}

// NewNetworkManager returns a NetworkManager link for cfg. The system
// bus is not contacted until the first call.
func NewNetworkManager(cfg config.NetworkConfig, clk clock.Clock, logger *slog.Logger) *NetworkManager {
	return &NetworkManager{
		cfg:    cfg,
		bus:    &dbusBus{},
		check:  InterfaceReady,
		clock:  clk,
		logger: logger,
	}
}

// profileID names the saved profile for ssid.
func profileID(ssid string) string {
	return "gdo-" + ssid
}

// wirelessSettings builds the profile NetworkManager creates on first
// use. The UUID is derived from the SSID so every device built from the
// same config writes the same profile.
func wirelessSettings(cfg config.NetworkConfig) gonetworkmanager.ConnectionSettings {
	s := gonetworkmanager.ConnectionSettings{
		"connection": {
			"id":             profileID(cfg.SSID),
			"uuid":           uuid.NewSHA1(uuid.NameSpaceOID, []byte("gdo/"+cfg.SSID)).String(),
			"type":           "802-11-wireless",
			"interface-name": cfg.Interface,
			"autoconnect":    true,
		},
		"802-11-wireless": {
			"ssid": []byte(cfg.SSID),
			"mode": "infrastructure",
		},
		"ipv4": {"method": "auto"},
		"ipv6": {"method": "ignore"},
	}
	if cfg.Passphrase != "" {
		s["802-11-wireless-security"] = map[string]interface{}{
			"key-mgmt": "wpa-psk",
			"psk":      cfg.Passphrase,
		}
	}
	if cfg.Hostname != "" {
		s["ipv4"]["dhcp-hostname"] = cfg.Hostname
	}
	return s
}

// Connected reports whether NetworkManager has the device activated and
// the interface holds an address.
func (n *NetworkManager) Connected(context.Context) bool {
	state, err := n.bus.DeviceState(n.cfg.Interface)
	if err != nil {
		n.logger.Debug("device state unavailable", "interface", n.cfg.Interface, "error", err)
		return false
	}
	if state != gonetworkmanager.NmDeviceStateActivated {
		return false
	}
	ok, err := n.check(n.cfg.Interface)
	if err != nil {
		n.logger.Debug("interface check failed", "interface", n.cfg.Interface, "error", err)
	}
	return ok
}

// Connect activates the SSID's profile and waits until NetworkManager
// reports it activated, failed, or activateTimeout passes.
func (n *NetworkManager) Connect(ctx context.Context) error {
	n.logger.Debug("joining wireless network",
		"ssid", n.cfg.SSID,
		"interface", n.cfg.Interface,
	)

	ac, err := n.bus.Activate(n.cfg.Interface, profileID(n.cfg.SSID), wirelessSettings(n.cfg))
	if err != nil {
		return fmt.Errorf("activate %s on %s: %w", n.cfg.SSID, n.cfg.Interface, err)
	}

	deadline := n.clock.Now().Add(activateTimeout)
	for {
		state, err := ac.GetPropertyState()
		if err != nil {
			return fmt.Errorf("activation state of %s: %w", n.cfg.SSID, err)
		}
		switch state {
		case gonetworkmanager.NmActiveConnectionStateActivated:
			return n.ready()
		case gonetworkmanager.NmActiveConnectionStateDeactivating, gonetworkmanager.NmActiveConnectionStateDeactivated:
			return fmt.Errorf("%s: %w", n.cfg.SSID, ErrActivationFailed)
		}

		if !n.clock.Now().Before(deadline) {
			return fmt.Errorf("%s: %w", n.cfg.SSID, ErrActivationTimeout)
		}
		if err := n.clock.Sleep(ctx, activatePoll); err != nil {
			return err
		}
	}
}

func (n *NetworkManager) ready() error {
	ok, err := n.check(n.cfg.Interface)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", n.cfg.Interface, ErrNotReady)
	}
	return nil
}

// dbusBus talks to the NetworkManager daemon on the system bus. The
// connection is opened on first use and kept.
type dbusBus struct {
	mu       sync.Mutex
	nm       gonetworkmanager.NetworkManager
	settings gonetworkmanager.Settings
}

func (b *dbusBus) open() (gonetworkmanager.NetworkManager, gonetworkmanager.Settings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nm != nil {
		return b.nm, b.settings, nil
	}

	nm, err := gonetworkmanager.NewNetworkManager()
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NetworkManager: %w", err)
	}
	settings, err := gonetworkmanager.NewSettings()
	if err != nil {
		return nil, nil, fmt.Errorf("NetworkManager settings: %w", err)
	}
	b.nm, b.settings = nm, settings
	return nm, settings, nil
}

func (b *dbusBus) DeviceState(iface string) (gonetworkmanager.NmDeviceState, error) {
	nm, _, err := b.open()
	if err != nil {
		return gonetworkmanager.NmDeviceStateUnknown, err
	}
	dev, err := nm.GetDeviceByIpIface(iface)
	if err != nil {
		return gonetworkmanager.NmDeviceStateUnknown, fmt.Errorf("device %s: %w", iface, err)
	}
	return dev.GetPropertyState()
}

func (b *dbusBus) Activate(iface, id string, settings gonetworkmanager.ConnectionSettings) (activation, error) {
	nm, store, err := b.open()
	if err != nil {
		return nil, err
	}
	dev, err := nm.GetDeviceByIpIface(iface)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", iface, err)
	}

	conns, err := store.ListConnections()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	for _, c := range conns {
		s, err := c.GetSettings()
		if err != nil {
			continue
		}
		if s["connection"]["id"] == id {
			return nm.ActivateConnection(c, dev, nil)
		}
	}
	return nm.AddAndActivateConnection(settings, dev)
}
