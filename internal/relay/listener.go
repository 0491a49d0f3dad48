package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	ncerr "wsbridge/internal/errors"
	"wsbridge/internal/metrics"
	"wsbridge/internal/transport"
	"wsbridge/util"
)

// ListenerConfig describes the WebSocket endpoint and the upstream every
// pair is bridged to.
type ListenerConfig struct {
	Addr             string   // host:port to bind
	Path             string   // upgrade path, default "/"
	Upstream         string   // host:port of the TCP upstream
	AllowedOrigins   []string // empty accepts any Origin
	MaxPairs         int      // 0 means unlimited
	HandshakeTimeout time.Duration
	BufferSize       int   // websocket read/write buffer size
	MaxMessageSize   int64 // inbound message limit, 0 means unlimited
	Pair             Options
}

// Listener accepts WebSocket clients and runs one Pair per client.
type Listener struct {
	cfg      ListenerConfig
	dialer   transport.Dialer
	metrics  *metrics.Collector
	logger   *util.Logger
	upgrader websocket.Upgrader

	srv    *http.Server
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	pairs    *xsync.MapOf[uint64, *Pair]
	nextID   atomic.Uint64
	reserved atomic.Int64 // pairs admitted, counted before the upgrade

	mu      sync.Mutex // guards ln, closing and running.Add
	closing bool
	running sync.WaitGroup
}

// NewListener builds a Listener.  Nothing is bound until Start.
func NewListener(cfg ListenerConfig, dialer transport.Dialer, m *metrics.Collector, logger *util.Logger) *Listener {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	l := &Listener{
		cfg:     cfg,
		dialer:  dialer,
		metrics: m,
		logger:  logger,
		pairs:   xsync.NewMapOf[uint64, *Pair](),
	}
	l.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.BufferSize,
		WriteBufferSize:  cfg.BufferSize,
		WriteBufferPool:  &sync.Pool{},
		CheckOrigin:      l.checkOrigin,
	}
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}
	return l
}

// Start binds the endpoint and serves in the background.  A bind
// failure is returned immediately.  Cancelling ctx closes every pair
// as a local shutdown but leaves the endpoint bound; call Stop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return ncerr.ErrListenerStarted
	}
	if l.closing {
		return ncerr.ErrListenerClosed
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return &ncerr.NetworkError{Op: "listen", Addr: l.cfg.Addr, Err: err}
	}
	l.ln = ln
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("listener: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the endpoint, closes every live pair as a local shutdown
// and waits for them to drain.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.closing = true
	started := l.ln != nil
	l.mu.Unlock()

	if !started {
		return
	}
	l.srv.Close()
	l.cancel()
	<-l.done
	l.running.Wait()
}

// Wait blocks until the endpoint has stopped serving.
func (l *Listener) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Ready reports whether new pairs are being accepted: the endpoint is
// bound, not stopping, and still serving.
func (l *Listener) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil || l.closing {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Pairs returns a snapshot of the live pairs ordered by ID.
func (l *Listener) Pairs() []PairInfo {
	out := make([]PairInfo, 0, l.pairs.Size())
	l.pairs.Range(func(_ uint64, p *Pair) bool {
		out = append(out, p.Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LivePairs implements metrics.Source.
func (l *Listener) LivePairs() any { return l.Pairs() }

// ServeHTTP upgrades requests on the configured path and runs a Pair
// for each on the request's goroutine.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.cfg.Path {
		http.NotFound(w, r)
		return
	}
	if !l.admit() {
		l.metrics.Rejected()
		l.logger.Warn("rejecting %s: %v", r.RemoteAddr, ncerr.ErrPairLimit)
		http.Error(w, ncerr.ErrPairLimit.Error(), http.StatusServiceUnavailable)
		return
	}
	defer l.reserved.Add(-1)

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		l.metrics.Rejected()
		http.Error(w, ncerr.ErrListenerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	l.running.Add(1)
	l.mu.Unlock()
	defer l.running.Done()

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		l.metrics.Rejected()
		l.logger.Debug("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	if l.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(l.cfg.MaxMessageSize)
	}

	id := l.nextID.Add(1)
	p := NewPair(id, conn, l.dialer, l.cfg.Upstream, l.cfg.Pair, l.metrics, l.logger)
	l.pairs.Store(id, p)
	defer l.pairs.Delete(id)

	p.Run(l.ctx)
}

// admit reserves a pair slot, honouring MaxPairs.
func (l *Listener) admit() bool {
	n := l.reserved.Add(1)
	if l.cfg.MaxPairs > 0 && n > int64(l.cfg.MaxPairs) {
		l.reserved.Add(-1)
		return false
	}
	return true
}

func (l *Listener) checkOrigin(r *http.Request) bool {
	if len(l.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}
	if slices.Contains(l.cfg.AllowedOrigins, origin) {
		return true
	}
	l.logger.Warn("rejecting origin %q from %s", origin, r.RemoteAddr)
	return false
}
