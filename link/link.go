// Package link checks network link health and reconnects on loss.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"pir-motion-cam/config"
)

// ErrLinkDown is returned by Reconnect when the link did not come back in time
var ErrLinkDown = errors.New("link down")

// Monitor is queried at the top of every scheduler tick
type Monitor interface {
	Connected(ctx context.Context) bool
	// Reconnect blocks until the link is up or its own timeout expires
	Reconnect(ctx context.Context) error
}

// AlwaysUp is used when no interface is configured
type AlwaysUp struct{}

func (AlwaysUp) Connected(context.Context) bool  { return true }
func (AlwaysUp) Reconnect(context.Context) error { return nil }

// InterfaceMonitor treats the link as up when the interface is up and has a
// non-loopback address. Reconnect runs an optional command and then waits
// with exponential backoff for the interface to come back.
type InterfaceMonitor struct {
	iface   string
	command []string
	timeout time.Duration
	logger  *zap.Logger

	// replaced in tests
	check   func(name string) (bool, error)
	run     func(ctx context.Context, argv []string) error
	backoff func() backoff.BackOff

	attempts  atomic.Uint64
	recovered atomic.Uint64
}

// Stats holds reconnect counters
type Stats struct {
	Attempts  uint64 `json:"attempts"`
	Recovered uint64 `json:"recovered"`
}

// New returns the configured monitor, AlwaysUp when no interface is set
func New(cfg config.NetworkConfig, logger *zap.Logger) Monitor {
	if cfg.Interface == "" {
		return AlwaysUp{}
	}
	return NewInterfaceMonitor(cfg, logger)
}

// NewInterfaceMonitor creates a monitor for cfg.Interface
func NewInterfaceMonitor(cfg config.NetworkConfig, logger *zap.Logger) *InterfaceMonitor {
	timeout := time.Duration(cfg.ReconnectTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InterfaceMonitor{
		iface:   cfg.Interface,
		command: reconnectCommand(cfg),
		timeout: timeout,
		logger:  logger.With(zap.String("component", "link"), zap.String("interface", cfg.Interface)),
		check:   interfaceUp,
		run:     runCommand,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// reconnectCommand returns the configured command, or an nmcli join when only an SSID is set
func reconnectCommand(cfg config.NetworkConfig) []string {
	if len(cfg.ReconnectCommand) > 0 {
		return cfg.ReconnectCommand
	}
	if cfg.SSID == "" {
		return nil
	}
	argv := []string{"nmcli", "dev", "wifi", "connect", cfg.SSID}
	if cfg.Password != "" {
		argv = append(argv, "password", cfg.Password)
	}
	return append(argv, "ifname", cfg.Interface)
}

// Connected reports whether the interface is usable
func (m *InterfaceMonitor) Connected(ctx context.Context) bool {
	up, err := m.check(m.iface)
	if err != nil {
		m.logger.Debug("Interface check failed", zap.Error(err))
		return false
	}
	return up
}

// Reconnect tries to bring the link back, blocking up to the reconnect timeout
func (m *InterfaceMonitor) Reconnect(ctx context.Context) error {
	m.attempts.Add(1)
	start := time.Now()
	m.logger.Warn("Link down, reconnecting", zap.Duration("timeout", m.timeout))

	if len(m.command) > 0 {
		// never log the argv, it may carry the passphrase
		if err := m.run(ctx, m.command); err != nil {
			m.logger.Warn("Reconnect command failed", zap.String("command", m.command[0]), zap.Error(err))
		}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		up, err := m.check(m.iface)
		if err != nil {
			return struct{}{}, err
		}
		if !up {
			return struct{}{}, ErrLinkDown
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(m.backoff()),
		backoff.WithMaxElapsedTime(m.timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Debug("Link still down", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %s after %v: %w", ErrLinkDown, m.iface, time.Since(start).Round(time.Millisecond), err)
	}

	m.recovered.Add(1)
	m.logger.Info("Link restored", zap.Duration("took", time.Since(start)))
	return nil
}

// GetStats returns reconnect counters
func (m *InterfaceMonitor) GetStats() Stats {
	return Stats{
		Attempts:  m.attempts.Load(),
		Recovered: m.recovered.Load(),
	}
}

func interfaceUp(name string) (bool, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false, err
	}
	if iface.Flags&net.FlagUp == 0 {
		return false, nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if !ipNet.IP.IsLoopback() && !ipNet.IP.IsLinkLocalUnicast() {
			return true, nil
		}
	}
	return false, nil
}

func runCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}
