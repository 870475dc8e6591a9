package wifi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrAssociation is returned when the link does not come up within the
// attempt budget.
var ErrAssociation = errors.New("wifi association failed")

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Config is the interface's current IP configuration.
type Config struct {
	Interface string
	MAC       string
	IP        net.IP
	Netmask   net.IPMask
	Gateway   string
}

func (c Config) String() string {
	return fmt.Sprintf("%s ip=%s mask=%s gw=%s mac=%s",
		c.Interface, c.IP, net.IP(c.Netmask), c.Gateway, c.MAC)
}

// Manager checks and drives the wireless link through NetworkManager.
type Manager struct {
	iface  string
	logger *logrus.Logger

	// MaxAttempts and Pacing bound Connect's wait for the link.
	MaxAttempts int
	Pacing      time.Duration

	cmdTimeout time.Duration
	run        Runner
	lookup     func(name string) (*net.Interface, []net.Addr, error)

	// mu guards the cache only; nmcli never runs under it.
	mu          sync.Mutex
	cacheTTL    time.Duration
	lastChecked time.Time
	lastResult  bool
	refreshing  bool

	status singleflight.Group
}

// NewManager creates a new WiFi manager for iface
func NewManager(iface string, logger *logrus.Logger) *Manager {
	return &Manager{
		iface:       iface,
		logger:      logger,
		MaxAttempts: 10,
		Pacing:      time.Second,
		cmdTimeout:  5 * time.Second,
		cacheTTL:    2 * time.Second,
		run:         execRunner,
		lookup:      lookupInterface,
	}
}

// IsConnected reports whether the interface is associated. The answer is
// cached briefly so per-tick callers do not fork nmcli every time. While
// another goroutine is refreshing the state, the last known answer is
// returned instead of waiting for nmcli.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	fresh := !m.lastChecked.IsZero() && time.Since(m.lastChecked) < m.cacheTTL
	result, busy := m.lastResult, m.refreshing
	m.mu.Unlock()

	if fresh || busy {
		return result
	}
	return m.refresh()
}

// refresh queries nmcli and updates the cache. Concurrent callers share one
// nmcli invocation and its result.
func (m *Manager) refresh() bool {
	v, _, _ := m.status.Do("status", func() (any, error) {
		m.mu.Lock()
		m.refreshing = true
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.cmdTimeout)
		defer cancel()
		out, err := m.run(ctx, "nmcli", "-t", "-f", "DEVICE,STATE", "device", "status")

		connected := false
		if err != nil {
			m.logger.WithError(err).Debug("nmcli device status failed")
		} else {
			connected = deviceConnected(string(out), m.iface)
		}

		m.mu.Lock()
		m.lastChecked = time.Now()
		m.lastResult = connected
		m.refreshing = false
		m.mu.Unlock()
		return connected, nil
	})
	return v.(bool)
}

func deviceConnected(status, iface string) bool {
	for _, line := range strings.Split(status, "\n") {
		dev, state, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && dev == iface {
			return state == "connected"
		}
	}
	return false
}

// IsRadioEnabled checks if the WiFi radio is switched on
func (m *Manager) IsRadioEnabled(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	out, err := m.run(ctx, "nmcli", "radio", "wifi")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "enabled", nil
}

// EnableRadio switches the WiFi radio on
func (m *Manager) EnableRadio(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	_, err := m.run(ctx, "nmcli", "radio", "wifi", "on")
	return err
}

// Connect associates with ssid and blocks until the link is up, ctx is done,
// or MaxAttempts status checks spaced by Pacing have all failed.
func (m *Manager) Connect(ctx context.Context, ssid, password string) error {
	if enabled, err := m.IsRadioEnabled(ctx); err == nil && !enabled {
		m.logger.Info("WiFi radio is disabled, attempting to re-enable...")
		if err := m.EnableRadio(ctx); err != nil {
			m.logger.WithError(err).Warn("Failed to enable WiFi radio")
		}
	}

	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", m.iface)

	m.logger.WithFields(logrus.Fields{"ssid": ssid, "interface": m.iface}).Info("Connecting to WiFi")

	// nmcli waits for activation itself; its outcome is confirmed by polling below.
	cctx, cancel := context.WithTimeout(ctx, time.Duration(m.MaxAttempts)*m.Pacing)
	if _, err := m.run(cctx, "nmcli", args...); err != nil {
		m.logger.WithError(err).Debug("nmcli connect returned an error")
	}
	cancel()

	for attempt := 1; attempt <= m.MaxAttempts; attempt++ {
		if m.refresh() {
			m.logger.WithField("attempt", attempt).Info("WiFi connected")
			if cfg, err := m.Config(); err == nil {
				m.logger.WithField("config", cfg.String()).Info("Network configuration")
			}
			return nil
		}
		m.logger.WithField("attempt", attempt).Debug("Waiting for WiFi connection")

		if attempt == m.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrAssociation, ssid, ctx.Err())
		case <-time.After(m.Pacing):
		}
	}
	return fmt.Errorf("%w: %s: link not up after %d attempts", ErrAssociation, ssid, m.MaxAttempts)
}

// Config reports the interface's address configuration.
func (m *Manager) Config() (Config, error) {
	ifc, addrs, err := m.lookup(m.iface)
	if err != nil {
		return Config{}, fmt.Errorf("failed to look up interface %s: %w", m.iface, err)
	}

	cfg := Config{Interface: ifc.Name, MAC: ifc.HardwareAddr.String()}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.To4() == nil {
			continue
		}
		cfg.IP = ipn.IP
		cfg.Netmask = ipn.Mask
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cmdTimeout)
	defer cancel()
	if out, err := m.run(ctx, "nmcli", "-g", "IP4.GATEWAY", "device", "show", m.iface); err == nil {
		cfg.Gateway = strings.TrimSpace(string(out))
	}
	return cfg, nil
}

func lookupInterface(name string) (*net.Interface, []net.Addr, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, nil, err
	}
	return ifc, addrs, nil
}
