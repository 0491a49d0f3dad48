package config

// loader.go - configuration loading from files and the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. .env / .env.local  (LoadDotEnv, never overrides the real env)
//   4. Config file  (LoadFile, --config)
//   5. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DotEnvFiles are read by LoadDotEnv, in order.  Missing files are
// skipped silently.
var DotEnvFiles = []string{".env", ".env.local"} //nolint:gochecknoglobals

// LoadDotEnv copies variables from DotEnvFiles into the process
// environment.  Variables that are already set keep their value, so a
// real environment always beats a .env file.
func LoadDotEnv() error {
	for _, name := range DotEnvFiles {
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("loading %s: %w", name, err)
		}
	}
	return nil
}

// ── Config file ──────────────────────────────────────────────────────

// LoadFile overlays a YAML, TOML or JSON config file onto cfg.  Only
// keys present in the file override the existing value.  Durations are
// written as Go duration strings ("5s", "250ms").
//
//	port: 8081
//	path: /ws
//	upstream:
//	  host: chat.internal
//	  port: 9090
//	ping_interval: 30s
func LoadFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	setString(v, "bind", &cfg.BindAddress)
	setInt(v, "port", &cfg.Port)
	setString(v, "path", &cfg.Path)
	if v.IsSet("origins") {
		cfg.AllowedOrigins = v.GetStringSlice("origins")
	}
	setInt(v, "max_pairs", &cfg.MaxPairs)
	setDuration(v, "handshake_timeout", &cfg.HandshakeTimeout)
	if v.IsSet("max_message_size") {
		cfg.MaxMessageSize = v.GetInt64("max_message_size")
	}
	setInt(v, "buffer_size", &cfg.BufferSize)

	setString(v, "upstream.host", &cfg.UpstreamHost)
	setInt(v, "upstream.port", &cfg.UpstreamPort)
	setDuration(v, "upstream.timeout", &cfg.ConnectTimeout)

	setDuration(v, "ping_interval", &cfg.PingInterval)
	setBool(v, "text", &cfg.TextFrames)
	setDuration(v, "close_grace", &cfg.CloseGrace)

	setString(v, "metrics_addr", &cfg.MetricsAddr)

	setString(v, "tunnel.spec", &cfg.TunnelSpec)
	setString(v, "tunnel.ssh_key", &cfg.SSHKeyPath)
	setBool(v, "tunnel.ssh_password", &cfg.SSHPassword)
	setBool(v, "tunnel.ssh_agent", &cfg.UseSSHAgent)
	setBool(v, "tunnel.strict_hostkey", &cfg.StrictHostKey)
	setString(v, "tunnel.known_hosts", &cfg.KnownHostsPath)

	setInt(v, "verbose", &cfg.Verbose)
	cfg.ConfigFile = path
	return nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the WSBRIDGE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// duration strings or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := env("BIND"); v != "" {
		cfg.BindAddress = v
	}
	if v := envInt("PORT"); v > 0 {
		cfg.Port = v
	}
	if v := env("PATH"); v != "" {
		cfg.Path = v
	}
	if v := env("ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := envInt("MAX_PAIRS"); v > 0 {
		cfg.MaxPairs = v
	}
	if v := envInt("MAX_MESSAGE_SIZE"); v > 0 {
		cfg.MaxMessageSize = int64(v)
	}

	// Upstream
	if v := env("UPSTREAM_HOST"); v != "" {
		cfg.UpstreamHost = v
	}
	if v := envInt("UPSTREAM_PORT"); v > 0 {
		cfg.UpstreamPort = v
	}
	if d := envDuration("TIMEOUT"); d > 0 {
		cfg.ConnectTimeout = d
	}

	// Pair behaviour
	if d := envDuration("PING_INTERVAL"); d > 0 {
		cfg.PingInterval = d
	}
	if envBool("TEXT") {
		cfg.TextFrames = true
	}
	if d := envDuration("CLOSE_GRACE"); d > 0 {
		cfg.CloseGrace = d
	}

	// Ops
	if v := env("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	// SSH tunnel
	if v := env("TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := env("SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := env("KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func envInt(key string) int {
	v := env(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(env(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := env(key)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
