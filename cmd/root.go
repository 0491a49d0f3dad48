// Package cmd wires up the CLI flags, layers the configuration sources
// and runs the bridge.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"wsbridge/config"
	"wsbridge/internal/metrics"
	"wsbridge/internal/relay"
	"wsbridge/internal/retry"
	"wsbridge/internal/transport"
	"wsbridge/tunnel"
	"wsbridge/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X wsbridge/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout and stderr are swapped out by tests.
var (
	stdout io.Writer = os.Stdout //nolint:gochecknoglobals
	stderr io.Writer = os.Stderr //nolint:gochecknoglobals
)

// Execute parses args, resolves the configuration and runs the bridge
// until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(newFlagSet(config.Defaults(), new(options)))
		return nil
	}

	// ── layered configuration: file < .env < environment < flags ─────
	cfg := config.Defaults()
	if path := scanConfigFlag(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	config.LoadFromEnv(cfg)

	opts := new(options)
	fs := newFlagSet(cfg, opts)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.help {
		printUsage(fs)
		return nil
	}
	if opts.version {
		fmt.Fprintf(stdout, "wsbridge %s\n", version)
		return nil
	}

	if fs.Changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if fs.Changed("timeout") {
		cfg.ConnectTimeout = time.Duration(opts.timeoutSec) * time.Second
	}
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if opts.dryRun {
		printSummary(cfg)
		return nil
	}
	return run(ctx, cfg)
}

// options are the flags that do not map onto a Config field.
type options struct {
	timeoutSec int
	verbose    int
	configFile string
	dryRun     bool
	version    bool
	help       bool
}

// newFlagSet binds every flag to cfg.  Defaults are the values already
// in cfg, so a flag that is not given leaves lower layers in place.
func newFlagSet(cfg *config.Config, o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("wsbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── listener ─────────────────────────────────────────────────
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "WebSocket listen port")
	fs.StringVarP(&cfg.BindAddress, "bind", "b", cfg.BindAddress, "Listen address (default all interfaces)")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "HTTP path that accepts WebSocket upgrades")
	fs.StringSliceVar(&cfg.AllowedOrigins, "origin", cfg.AllowedOrigins, "Allowed Origin (repeatable; default any)")
	fs.IntVar(&cfg.MaxPairs, "max-pairs", cfg.MaxPairs, "Maximum concurrent pairs (0 = unlimited)")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "Largest accepted client message in bytes (0 = unlimited)")

	// ── upstream / pair ──────────────────────────────────────────
	fs.IntVarP(&o.timeoutSec, "timeout", "w", int(cfg.ConnectTimeout/time.Second), "Upstream connect timeout in seconds")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "WebSocket keepalive ping interval (0 = off)")
	fs.DurationVar(&cfg.CloseGrace, "close-grace", cfg.CloseGrace, "Bound on the orderly close of the other leg")
	fs.BoolVar(&cfg.TextFrames, "text", cfg.TextFrames, "Send upstream data as text frames")

	// ── ops ──────────────────────────────────────────────────────
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /metrics, /healthz, /readyz and /stats on this address")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the upstream through SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output / misc ────────────────────────────────────────────
	fs.CountVarP(&o.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&o.configFile, "config", "", "Config file (YAML, TOML or JSON)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.BoolVarP(&o.help, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

// scanConfigFlag finds --config before the full parse, since the file
// sits below the flags in precedence.
func scanConfigFlag(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func parsePositional(cfg *config.Config, remaining []string) error {
	switch len(remaining) {
	case 0: // upstream from config file, env or defaults
		return nil
	case 1:
		return fmt.Errorf("upstream port required (usage: wsbridge [options] <upstream-host> <upstream-port>)")
	case 2:
		port, err := config.ParsePort(remaining[1])
		if err != nil {
			return fmt.Errorf("upstream port: %w", err)
		}
		cfg.UpstreamHost = remaining[0]
		cfg.UpstreamPort = port
		return nil
	default:
		return fmt.Errorf("too many arguments: %s", strings.Join(remaining[2:], " "))
	}
}

// ── run ──────────────────────────────────────────────────────────────

func run(ctx context.Context, cfg *config.Config) error {
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(stderr)
	if cfg.ConfigFile != "" {
		logger.Verbose("loaded %s", cfg.ConfigFile)
	}

	collector := metrics.New()

	dialer, err := buildDialer(ctx, cfg, collector, logger)
	if err != nil {
		return err
	}
	defer dialer.Close()

	listener := relay.NewListener(relay.ListenerConfig{
		Addr:             cfg.ListenAddr(),
		Path:             cfg.Path,
		Upstream:         cfg.UpstreamAddr(),
		AllowedOrigins:   cfg.AllowedOrigins,
		MaxPairs:         cfg.MaxPairs,
		HandshakeTimeout: cfg.HandshakeTimeout,
		BufferSize:       cfg.BufferSize,
		MaxMessageSize:   cfg.MaxMessageSize,
		Pair: relay.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			CloseGrace:     cfg.CloseGrace,
			PingInterval:   cfg.PingInterval,
			TextFrames:     cfg.TextFrames,
		},
	}, dialer, collector, logger)
	if err := listener.Start(ctx); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		ops := metrics.NewServer(collector, listener, logger)
		if err := ops.Start(cfg.MetricsAddr); err != nil {
			listener.Stop()
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ops.Shutdown(sctx)
		}()
		logger.Info("ops endpoint on http://%s/metrics", ops.Addr())
	}

	via := ""
	if cfg.TunnelEnabled {
		via = fmt.Sprintf(" via ssh %s", util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
	}
	logger.Info("listening on %s, bridging to %s%s",
		util.WebSocketURL(listener.Addr(), cfg.Path), cfg.UpstreamAddr(), via)

	served := make(chan struct{})
	go func() {
		listener.Wait()
		close(served)
	}()
	select {
	case <-ctx.Done():
		logger.Info("shutting down (%d active pairs)", collector.ActivePairs())
	case <-served:
		logger.Warn("listener stopped unexpectedly")
	}

	stopped := make(chan struct{})
	go func() {
		listener.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(config.DefaultGracePeriod):
		logger.Warn("pairs still draining after %v, exiting", config.DefaultGracePeriod)
	}
	logger.Verbose("%s", collector.JSON())
	return nil
}

// buildDialer returns the outbound dialer: direct TCP, or channels
// through an SSH gateway that is connected before the listener starts.
func buildDialer(ctx context.Context, cfg *config.Config, m *metrics.Collector,
	logger *util.Logger) (transport.Dialer, error) {
	if !cfg.TunnelEnabled {
		return &transport.TCPDialer{Timeout: cfg.ConnectTimeout}, nil
	}

	tlog := logger.With("ssh")
	tun := tunnel.NewSSHTunnel(&tunnel.SSHConfig{
		User:          cfg.TunnelUser,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
	}, tlog)
	backoff := retry.DefaultBackoff(config.DefaultTunnelConnectAttempts, config.DefaultTunnelMaxBackoff)
	backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
		tlog.Warn("gateway attempt %d failed: %v (retrying in %v)", attempt, err, wait)
	}
	mgr := tunnel.NewManager(tun, backoff, tunnel.DefaultKeepalive, m, tlog)

	d := transport.NewSSHDialer(mgr, cfg.ConnectTimeout, tlog)
	if err := d.Start(ctx); err != nil {
		return nil, fmt.Errorf("ssh gateway %s: %w", util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort), err)
	}
	return d, nil
}

// ── output ───────────────────────────────────────────────────────────

func printSummary(cfg *config.Config) {
	origins := "any"
	if len(cfg.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.AllowedOrigins, ",")
	}
	fmt.Fprintf(stdout, "listen    %s%s\n", cfg.ListenAddr(), cfg.Path)
	fmt.Fprintf(stdout, "upstream  %s (timeout %v)\n", cfg.UpstreamAddr(), cfg.ConnectTimeout)
	fmt.Fprintf(stdout, "origins   %s\n", origins)
	fmt.Fprintf(stdout, "max-pairs %d\n", cfg.MaxPairs)
	if cfg.TunnelEnabled {
		fmt.Fprintf(stdout, "tunnel    %s@%s\n", cfg.TunnelUser, util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(stdout, "metrics   %s\n", cfg.MetricsAddr)
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stderr, `wsbridge – WebSocket to TCP bridge v%s

Every WebSocket client gets its own TCP connection to the upstream.
Client messages are written upstream as raw bytes; upstream bytes are
sent back as binary messages.

Usage:
  wsbridge [options] <upstream-host> <upstream-port>

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(stderr, `
Examples:
  wsbridge localhost 9090                        ws://localhost:8081/ -> localhost:9090
  wsbridge -p 8000 --path /ws chat.internal 6667 Custom port and path
  wsbridge -T admin@bastion db-internal 5432     Upstream through an SSH gateway
  wsbridge --metrics-addr :9102 localhost 9090   With Prometheus metrics
`)
}
