package metrics

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCollector_Pairs(t *testing.T) {
	c := New()

	c.PairOpened()
	c.PairOpened()
	if c.ActivePairs() != 2 {
		t.Errorf("active = %d, want 2", c.ActivePairs())
	}
	if c.TotalPairs() != 2 {
		t.Errorf("total = %d, want 2", c.TotalPairs())
	}

	c.PairClosed(50 * time.Millisecond)
	if c.ActivePairs() != 1 {
		t.Errorf("active = %d, want 1", c.ActivePairs())
	}
	if c.TotalPairs() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalPairs())
	}
}

func TestCollector_LifetimeBuckets(t *testing.T) {
	c := New()
	c.PairOpened()
	c.PairOpened()
	c.PairClosed(5 * time.Millisecond) // fits every bucket
	c.PairClosed(2 * time.Hour)        // fits none

	if got := c.lifetimeCount.Load(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	for i, ub := range LifetimeBuckets {
		if got := c.lifetimeCounts[i].Load(); got != 1 {
			t.Errorf("bucket le=%v = %d, want 1", ub, got)
		}
	}
}

func TestCollector_ConnectFailuresAndRejected(t *testing.T) {
	c := New()
	c.ConnectFailure()
	c.ConnectFailure()
	c.Rejected()

	if c.ConnectFailures() != 2 {
		t.Errorf("connect failures = %d, want 2", c.ConnectFailures())
	}
	if c.RejectedTotal() != 1 {
		t.Errorf("rejected = %d, want 1", c.RejectedTotal())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesInbound(1024)
	c.BytesOutbound(512)
	c.BytesInbound(100)
	c.DroppedBytes(7)

	if c.TotalBytesInbound() != 1124 {
		t.Errorf("bytes inbound = %d, want 1124", c.TotalBytesInbound())
	}
	if c.TotalBytesOutbound() != 512 {
		t.Errorf("bytes outbound = %d, want 512", c.TotalBytesOutbound())
	}
	if c.TotalDroppedBytes() != 7 {
		t.Errorf("dropped = %d, want 7", c.TotalDroppedBytes())
	}
}

func TestCollector_TunnelReconnects(t *testing.T) {
	c := New()

	c.TunnelReconnect()
	c.TunnelReconnect()
	c.TunnelReconnect()

	if c.TunnelReconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.TunnelReconnects())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
}

func TestCollector_HealthCheck(t *testing.T) {
	c := New()
	c.RecordHealthCheck()

	snap := c.Snapshot()
	if snap.LastHealthCheck == "" {
		t.Error("expected non-empty health check timestamp")
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.PairOpened()
	c.BytesInbound(100)
	c.BytesOutbound(50)
	c.DroppedBytes(3)
	c.RecordError("inbound: read: unexpected EOF")

	snap := c.Snapshot()
	if snap.PairsActive != 1 {
		t.Errorf("snap active = %d", snap.PairsActive)
	}
	if snap.BytesInbound != 100 || snap.BytesOutbound != 50 {
		t.Errorf("snap bytes = %d/%d", snap.BytesInbound, snap.BytesOutbound)
	}
	if snap.DroppedBytes != 3 {
		t.Errorf("snap dropped = %d", snap.DroppedBytes)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "inbound: read: unexpected EOF" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.PairOpened()
	c.BytesOutbound(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.PairsActive != 1 {
		t.Errorf("JSON active = %d", snap.PairsActive)
	}
	if snap.BytesOutbound != 42 {
		t.Errorf("JSON bytes outbound = %d", snap.BytesOutbound)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.PairOpened()
	c.PairClosed(time.Second)
	c.ConnectFailure()
	c.Rejected()
	c.BytesInbound(100)
	c.BytesOutbound(100)
	c.DroppedBytes(100)
	c.TunnelReconnect()
	c.RecordError("test")
	c.RecordHealthCheck()

	if c.ActivePairs() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesInbound() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.PairsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
