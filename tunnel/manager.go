package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	ncerr "wsbridge/internal/errors"
	"wsbridge/internal/metrics"
	"wsbridge/internal/retry"
	"wsbridge/util"
)

// DefaultKeepalive is how often the manager probes the gateway.
const DefaultKeepalive = 10 * time.Second

// Manager keeps a Tunnel connected: it establishes the gateway with
// backoff, probes it with keepalives and re-establishes it when it
// drops.  Pairs already riding the old connection are not rescued;
// their channels die with it and those pairs close.
type Manager struct {
	tunnel   Tunnel
	backoff  *retry.Backoff
	interval time.Duration
	metrics  *metrics.Collector
	logger   *util.Logger

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager returns a Manager for t.  interval <= 0 selects
// DefaultKeepalive.
func NewManager(t Tunnel, b *retry.Backoff, interval time.Duration,
	m *metrics.Collector, logger *util.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultKeepalive
	}
	return &Manager{tunnel: t, backoff: b, interval: interval, metrics: m, logger: logger}
}

// Start connects the gateway, retrying with backoff, and begins the
// keepalive loop.  Authentication and host-key failures, and errors
// that are not retryable (unknown host, protocol mismatch), end the
// attempt at once.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.healthLoop(loopCtx)
	return nil
}

// Dial opens a connection through the current gateway connection.
func (m *Manager) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return m.tunnel.Dial(ctx, network, address)
}

// IsAlive reports whether the gateway is currently connected.
func (m *Manager) IsAlive() bool { return m.tunnel.IsAlive() }

// Stop ends the keepalive loop and closes the gateway connection.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return m.tunnel.Close()
}

func (m *Manager) connect(ctx context.Context) error {
	return m.backoff.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			m.logger.Verbose("ssh: connecting to %s (attempt %d)", m.tunnel, attempt)
		}
		err := m.tunnel.Connect(ctx)
		if err == nil {
			m.logger.Verbose("ssh: gateway %s established", m.tunnel)
			return nil
		}
		if IsAuthFailure(err) || !ncerr.IsRetryable(err) {
			return retry.Permanent(err)
		}
		m.logger.Warn("ssh: %v", err)
		return err
	})
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.done)

	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}

		err := m.tunnel.Keepalive()
		if err == nil && m.tunnel.IsAlive() {
			m.metrics.RecordHealthCheck()
			m.logger.Debug("ssh: keepalive ok")
			continue
		}

		m.logger.Warn("ssh: gateway connection lost, reconnecting")
		m.metrics.TunnelReconnect()
		m.tunnel.Close()
		if err := m.connect(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Next tick tries again; meanwhile pair dials fail fast.
			m.logger.Error("ssh: reconnect failed: %v", err)
			m.metrics.RecordError("ssh reconnect: " + err.Error())
		}
	}
}
