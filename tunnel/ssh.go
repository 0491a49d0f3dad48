package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "wsbridge/internal/errors"
	"wsbridge/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr returns the gateway's host:port.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHTunnel implements [Tunnel] over a single SSH client connection;
// every Dial opens a direct-tcpip channel on it.
type SSHTunnel struct {
	config *SSHConfig
	auth   []ssh.AuthMethod
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
}

// NewSSHTunnel creates a tunnel that is ready to [SSHTunnel.Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// String returns user@host:port of the gateway.
func (t *SSHTunnel) String() string {
	return t.config.User + "@" + t.config.Addr()
}

// Connect dials the gateway and completes the handshake.  Auth methods
// are resolved on the first call only, so a password or passphrase is
// prompted for once even across reconnects.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	if t.auth == nil {
		methods, err := BuildAuthMethods(t.config)
		if err != nil {
			return ncerr.WrapSSH("auth", t.config.Host, t.config.Port, err)
		}
		t.auth = methods
	}

	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return ncerr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            t.auth,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
	}

	addr := t.config.Addr()
	t.logger.Debug("ssh: dialing %s as %s", addr, t.config.User)

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap("dial", addr, err)
	}

	// NewClientConn has no context; bound the handshake by deadline.
	_ = tcpConn.SetDeadline(time.Now().Add(t.config.ConnTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return ncerr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}
	_ = tcpConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.mu.Unlock()

	go t.monitor(client)
	return nil
}

// Dial opens a direct-tcpip channel to address through the gateway.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, ncerr.ErrNotConnected
	}

	t.logger.Debug("ssh: opening channel to %s", address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", address, err)
	}
	return conn, nil
}

// Keepalive sends an OpenSSH keepalive request and waits for the reply.
func (t *SSHTunnel) Keepalive() error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return ncerr.ErrNotConnected
	}
	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return ncerr.WrapSSH("keepalive", t.config.Host, t.config.Port, err)
	}
	return nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until client's connection closes and flips the alive
// flag, unless a newer client has replaced it meanwhile.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("ssh: gateway connection closed: %v", err)
	} else {
		t.logger.Debug("ssh: gateway connection closed")
	}
}
