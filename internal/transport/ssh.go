package transport

import (
	"context"
	"net"
	"time"

	ncerr "wsbridge/internal/errors"
	"wsbridge/internal/retry"
	"wsbridge/tunnel"
	"wsbridge/util"
)

// SSHDialer routes upstream connections through an SSH gateway kept up
// by a [tunnel.Manager].  After repeated failures, whether of the
// gateway or of the upstream behind it, a breaker makes new pairs fail
// immediately for a cooldown instead of each waiting out the timeout.
type SSHDialer struct {
	manager *tunnel.Manager
	breaker *retry.Breaker
	timeout time.Duration
	logger  *util.Logger
}

// NewSSHDialer wraps m.  The gateway is not contacted until Start.
func NewSSHDialer(m *tunnel.Manager, timeout time.Duration, logger *util.Logger) *SSHDialer {
	d := &SSHDialer{manager: m, timeout: timeout, logger: logger}
	d.breaker = &retry.Breaker{
		Threshold: 3,
		Cooldown:  5 * time.Second,
		OnStateChange: func(from, to retry.BreakerState) {
			logger.Warn("ssh dialer: breaker %s -> %s", from, to)
		},
	}
	return d
}

// Start establishes the gateway connection.  Startup fails if the
// gateway cannot be reached within the manager's backoff budget.
func (d *SSHDialer) Start(ctx context.Context) error {
	return d.manager.Start(ctx)
}

// Dial opens a channel to address through the gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var conn net.Conn
	err := d.breaker.Do(func() error {
		c, err := d.manager.Dial(ctx, network, address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, ncerr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close stops the manager and the gateway connection.
func (d *SSHDialer) Close() error {
	return d.manager.Stop()
}
