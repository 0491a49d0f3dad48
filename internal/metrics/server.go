package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	ncerr "wsbridge/internal/errors"
	"wsbridge/util"
)

// Source supplies the live state served on /readyz and /stats.
type Source interface {
	// Ready reports whether the bridge is accepting new pairs.
	Ready() bool
	// LivePairs returns a JSON-encodable view of the pairs currently open.
	LivePairs() any
}

// Server is the optional ops HTTP endpoint:
//
//	/metrics   Prometheus exposition
//	/healthz   process liveness, always 200
//	/readyz    200 while Source.Ready, 503 otherwise
//	/stats     JSON snapshot of counters and live pairs
type Server struct {
	collector *Collector
	source    Source
	logger    *util.Logger

	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// NewServer builds an ops server.  source may be nil, in which case the
// bridge is always reported ready with no live pairs.
func NewServer(c *Collector, source Source, logger *util.Logger) *Server {
	s := &Server{collector: c, source: source, logger: logger}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the ops mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.collector.RecordHealthCheck()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.source != nil && !s.source.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		st := struct {
			Metrics Snapshot `json:"metrics"`
			Pairs   any      `json:"pairs"`
		}{Metrics: s.collector.Snapshot(), Pairs: []any{}}
		if s.source != nil {
			st.Pairs = s.source.LivePairs()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	return mux
}

// Start binds addr synchronously and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &ncerr.NetworkError{Op: "listen", Addr: addr, Err: err}
	}
	s.ln = ln
	s.done = make(chan struct{})
	s.logger.Verbose("ops server listening on http://%s", ln.Addr())

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the server, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
