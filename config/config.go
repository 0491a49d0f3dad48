// Package config defines the runtime configuration for wsbridge and
// provides helpers for parsing ports and SSH tunnel specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "wsbridge/internal/errors"
)

// Config holds every tuneable for a wsbridge process.
type Config struct {
	// ── Listener (inbound WebSocket leg) ─────────────────────────────
	BindAddress      string   // empty → all interfaces
	Port             int      // -p: WebSocket listen port
	Path             string   // HTTP path that accepts upgrades
	AllowedOrigins   []string // empty → accept any Origin
	MaxPairs         int      // 0 → unlimited
	HandshakeTimeout time.Duration
	MaxMessageSize   int64 // 0 → unlimited
	BufferSize       int   // WebSocket read/write buffer size

	// ── Upstream (outbound TCP leg) ──────────────────────────────────
	UpstreamHost   string
	UpstreamPort   int
	ConnectTimeout time.Duration

	// ── Pair behaviour ───────────────────────────────────────────────
	PingInterval time.Duration // 0 disables keepalive pings
	TextFrames   bool          // send upstream data as text frames
	CloseGrace   time.Duration // bound on orderly close of the other leg

	// ── Ops ──────────────────────────────────────────────────────────
	MetricsAddr string // empty disables the metrics/health server

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int
	ConfigFile string
}

// Defaults returns a Config populated from defaults.go.
func Defaults() *Config {
	return &Config{
		Port:             DefaultListenPort,
		Path:             DefaultPath,
		HandshakeTimeout: DefaultHandshakeTimeout,
		BufferSize:       DefaultBufferSize,
		UpstreamHost:     DefaultUpstreamHost,
		UpstreamPort:     DefaultUpstreamPort,
		ConnectTimeout:   DefaultConnTimeout,
		CloseGrace:       DefaultCloseGrace,
		TunnelPort:       DefaultSSHPort,
		Verbose:          1,
	}
}

// ListenAddr is the host:port the WebSocket listener binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", bracketIPv6(c.BindAddress), c.Port)
}

// UpstreamAddr is the fixed host:port every pair dials.
func (c *Config) UpstreamAddr() string {
	return fmt.Sprintf("%s:%d", bracketIPv6(c.UpstreamHost), c.UpstreamPort)
}

func bracketIPv6(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort accepts a decimal port number in 1-65535.
func ParsePort(spec string) (int, error) {
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec (when set) into the Tunnel* fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error()}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &ncerr.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "out of range 1-65535",
			Hint:    fmt.Sprintf("the default is -p %d", DefaultListenPort),
		}
	}
	if c.UpstreamHost == "" {
		return &ncerr.ConfigError{
			Field:   "upstream-host",
			Message: "is required",
			Hint:    "pass it as the first positional argument: wsbridge <host> <port>",
		}
	}
	if c.UpstreamPort < 1 || c.UpstreamPort > 65535 {
		return &ncerr.ConfigError{
			Field:   "upstream-port",
			Value:   c.UpstreamPort,
			Message: "out of range 1-65535",
			Hint:    "pass it as the second positional argument: wsbridge <host> <port>",
		}
	}
	if !strings.HasPrefix(c.Path, "/") {
		return &ncerr.ConfigError{Field: "path", Value: c.Path, Message: "must start with /"}
	}
	if c.MaxPairs < 0 {
		return &ncerr.ConfigError{Field: "max-pairs", Value: c.MaxPairs, Message: "must be >= 0", Hint: "use 0 for no limit"}
	}
	if c.MaxMessageSize < 0 {
		return &ncerr.ConfigError{Field: "max-message-size", Value: c.MaxMessageSize, Message: "must be >= 0", Hint: "use 0 for no limit"}
	}
	if c.ConnectTimeout < 0 || c.PingInterval < 0 || c.CloseGrace < 0 || c.HandshakeTimeout < 0 {
		return &ncerr.ConfigError{Field: "timeout", Message: "durations must not be negative"}
	}
	if c.MetricsAddr != "" && c.MetricsAddr == c.ListenAddr() {
		return &ncerr.ConfigError{
			Field:   "metrics-addr",
			Value:   c.MetricsAddr,
			Message: "collides with the WebSocket listener",
			Hint:    "serve metrics on a separate port, e.g. --metrics-addr 127.0.0.1:9102",
		}
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ncerr.ConfigError{Field: "tunnel", Message: "tunnel host is required", Hint: "use -T [user@]host[:port]"}
	}
	if !c.TunnelEnabled && (c.SSHKeyPath != "" || c.SSHPassword || c.UseSSHAgent) {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Message: "SSH options given without a tunnel",
			Hint:    "add -T [user@]host[:port] or drop --ssh-key/--ssh-password/--ssh-agent",
		}
	}
	return nil
}
