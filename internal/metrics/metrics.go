// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a wsbridge process.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a wsbridge process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	pairsActive      atomic.Int64
	pairsTotal       atomic.Int64
	connectFailures  atomic.Int64
	rejected         atomic.Int64
	bytesInbound     atomic.Int64
	bytesOutbound    atomic.Int64
	droppedBytes     atomic.Int64
	tunnelReconnects atomic.Int64
	errorsTotal      atomic.Int64

	// pair lifetime histogram, bucket upper bounds in seconds
	lifetimeCounts []atomic.Uint64
	lifetimeSum    atomic.Uint64 // microseconds
	lifetimeCount  atomic.Uint64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// LifetimeBuckets are the upper bounds (seconds) of the pair lifetime
// histogram exported on /metrics.
var LifetimeBuckets = []float64{0.01, 0.1, 1, 10, 60, 300, 1800, 3600} //nolint:gochecknoglobals

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{
		startTime:      time.Now(),
		lifetimeCounts: make([]atomic.Uint64, len(LifetimeBuckets)),
	}
}

// ── Pair metrics ─────────────────────────────────────────────────────

// PairOpened increments both the active and total pair counters.
func (c *Collector) PairOpened() {
	if c == nil {
		return
	}
	c.pairsActive.Add(1)
	c.pairsTotal.Add(1)
}

// PairClosed decrements the active pair counter and records how long
// the pair lived.
func (c *Collector) PairClosed(lifetime time.Duration) {
	if c == nil {
		return
	}
	c.pairsActive.Add(-1)

	secs := lifetime.Seconds()
	for i, ub := range LifetimeBuckets {
		if secs <= ub {
			c.lifetimeCounts[i].Add(1)
		}
	}
	c.lifetimeSum.Add(uint64(lifetime.Microseconds()))
	c.lifetimeCount.Add(1)
}

// ActivePairs returns the number of pairs that have not reached Closed.
func (c *Collector) ActivePairs() int64 {
	if c == nil {
		return 0
	}
	return c.pairsActive.Load()
}

// TotalPairs returns the lifetime pair count.
func (c *Collector) TotalPairs() int64 {
	if c == nil {
		return 0
	}
	return c.pairsTotal.Load()
}

// ConnectFailure records an upstream dial that failed while a pair was
// connecting.
func (c *Collector) ConnectFailure() {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
}

// ConnectFailures returns the total failed upstream dials.
func (c *Collector) ConnectFailures() int64 {
	if c == nil {
		return 0
	}
	return c.connectFailures.Load()
}

// Rejected records an upgrade request refused before a pair existed
// (pair limit, bad origin, listener closing).
func (c *Collector) Rejected() {
	if c == nil {
		return
	}
	c.rejected.Add(1)
}

// RejectedTotal returns the number of refused upgrade requests.
func (c *Collector) RejectedTotal() int64 {
	if c == nil {
		return 0
	}
	return c.rejected.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesInbound records n bytes received from a WebSocket client and
// written upstream.
func (c *Collector) BytesInbound(n int64) {
	if c == nil {
		return
	}
	c.bytesInbound.Add(n)
}

// BytesOutbound records n bytes read from upstream and delivered to a
// WebSocket client.
func (c *Collector) BytesOutbound(n int64) {
	if c == nil {
		return
	}
	c.bytesOutbound.Add(n)
}

// DroppedBytes records n bytes read from upstream that were discarded
// because the pair had already left the Active state.
func (c *Collector) DroppedBytes(n int64) {
	if c == nil {
		return
	}
	c.droppedBytes.Add(n)
}

// TotalBytesInbound returns total client→upstream bytes.
func (c *Collector) TotalBytesInbound() int64 {
	if c == nil {
		return 0
	}
	return c.bytesInbound.Load()
}

// TotalBytesOutbound returns total upstream→client bytes.
func (c *Collector) TotalBytesOutbound() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOutbound.Load()
}

// TotalDroppedBytes returns total discarded upstream bytes.
func (c *Collector) TotalDroppedBytes() int64 {
	if c == nil {
		return 0
	}
	return c.droppedBytes.Load()
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records an SSH gateway reconnection.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	PairsActive      int64  `json:"pairs_active"`
	PairsTotal       int64  `json:"pairs_total"`
	ConnectFailures  int64  `json:"connect_failures"`
	Rejected         int64  `json:"rejected"`
	BytesInbound     int64  `json:"bytes_inbound"`
	BytesOutbound    int64  `json:"bytes_outbound"`
	DroppedBytes     int64  `json:"dropped_bytes"`
	TunnelReconnects int64  `json:"tunnel_reconnects"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastHealthCheck  string `json:"last_health_check,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		PairsActive:      c.pairsActive.Load(),
		PairsTotal:       c.pairsTotal.Load(),
		ConnectFailures:  c.connectFailures.Load(),
		Rejected:         c.rejected.Load(),
		BytesInbound:     c.bytesInbound.Load(),
		BytesOutbound:    c.bytesOutbound.Load(),
		DroppedBytes:     c.droppedBytes.Load(),
		TunnelReconnects: c.tunnelReconnects.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
