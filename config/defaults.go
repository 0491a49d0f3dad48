package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultListenPort is the WebSocket port the bridge binds.
	DefaultListenPort = 8081

	// DefaultUpstreamHost and DefaultUpstreamPort name the TCP service
	// every pair is bridged to.
	DefaultUpstreamHost = "localhost"
	DefaultUpstreamPort = 9090

	// DefaultPath is the HTTP path that accepts WebSocket upgrades.
	DefaultPath = "/"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout bounds the upstream dial of a single pair.
	DefaultConnTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultCloseGrace bounds how long a closing pair waits for the
	// other leg to acknowledge an orderly close before releasing it.
	DefaultCloseGrace = 5 * time.Second

	// DefaultBufferSize is the WebSocket read/write buffer size.
	DefaultBufferSize = 32 * 1024

	// DefaultGracePeriod is how long shutdown waits for pairs to drain.
	DefaultGracePeriod = 10 * time.Second

	// DefaultTunnelConnectAttempts is how many times the SSH gateway is
	// dialled before startup gives up.
	DefaultTunnelConnectAttempts = 5

	// DefaultTunnelMaxBackoff caps the delay between gateway attempts.
	DefaultTunnelMaxBackoff = 30 * time.Second

	// EnvPrefix is prepended to every environment variable name.
	EnvPrefix = "WSBRIDGE_"
)
