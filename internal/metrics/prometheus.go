package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wsbridge"

// promCollector exposes a Collector's atomics as Prometheus metrics.
// Values are read at scrape time, so the hot path never touches the
// Prometheus client.
type promCollector struct {
	c *Collector

	pairsActive      *prometheus.Desc
	pairsTotal       *prometheus.Desc
	connectFailures  *prometheus.Desc
	rejected         *prometheus.Desc
	bytes            *prometheus.Desc
	droppedBytes     *prometheus.Desc
	tunnelReconnects *prometheus.Desc
	errorsTotal      *prometheus.Desc
	pairLifetime     *prometheus.Desc
}

func newPromCollector(c *Collector) *promCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	return &promCollector{
		c:                c,
		pairsActive:      prometheus.NewDesc(name("pairs_active"), "Connection pairs not yet closed", nil, nil),
		pairsTotal:       prometheus.NewDesc(name("pairs_total"), "Connection pairs created", nil, nil),
		connectFailures:  prometheus.NewDesc(name("connect_failures_total"), "Upstream dials that failed", nil, nil),
		rejected:         prometheus.NewDesc(name("rejected_total"), "Upgrade requests refused before a pair was created", nil, nil),
		bytes:            prometheus.NewDesc(name("bytes_total"), "Payload bytes forwarded by direction", []string{"direction"}, nil),
		droppedBytes:     prometheus.NewDesc(name("dropped_bytes_total"), "Upstream bytes discarded after the pair left Active", nil, nil),
		tunnelReconnects: prometheus.NewDesc(name("tunnel_reconnects_total"), "SSH gateway reconnections", nil, nil),
		errorsTotal:      prometheus.NewDesc(name("errors_total"), "Transport errors", nil, nil),
		pairLifetime:     prometheus.NewDesc(name("pair_lifetime_seconds"), "Connection pair lifetime", nil, nil),
	}
}

func (p *promCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.pairsActive
	ch <- p.pairsTotal
	ch <- p.connectFailures
	ch <- p.rejected
	ch <- p.bytes
	ch <- p.droppedBytes
	ch <- p.tunnelReconnects
	ch <- p.errorsTotal
	ch <- p.pairLifetime
}

func (p *promCollector) Collect(ch chan<- prometheus.Metric) {
	c := p.c
	ch <- prometheus.MustNewConstMetric(p.pairsActive, prometheus.GaugeValue, float64(c.ActivePairs()))
	ch <- prometheus.MustNewConstMetric(p.pairsTotal, prometheus.CounterValue, float64(c.TotalPairs()))
	ch <- prometheus.MustNewConstMetric(p.connectFailures, prometheus.CounterValue, float64(c.ConnectFailures()))
	ch <- prometheus.MustNewConstMetric(p.rejected, prometheus.CounterValue, float64(c.RejectedTotal()))
	ch <- prometheus.MustNewConstMetric(p.bytes, prometheus.CounterValue, float64(c.TotalBytesInbound()), "inbound")
	ch <- prometheus.MustNewConstMetric(p.bytes, prometheus.CounterValue, float64(c.TotalBytesOutbound()), "outbound")
	ch <- prometheus.MustNewConstMetric(p.droppedBytes, prometheus.CounterValue, float64(c.TotalDroppedBytes()))
	ch <- prometheus.MustNewConstMetric(p.tunnelReconnects, prometheus.CounterValue, float64(c.TunnelReconnects()))
	ch <- prometheus.MustNewConstMetric(p.errorsTotal, prometheus.CounterValue, float64(c.ErrorCount()))

	buckets := make(map[float64]uint64, len(LifetimeBuckets))
	for i, ub := range LifetimeBuckets {
		buckets[ub] = c.lifetimeCounts[i].Load()
	}
	sum := float64(c.lifetimeSum.Load()) / 1e6
	ch <- prometheus.MustNewConstHistogram(p.pairLifetime, c.lifetimeCount.Load(), sum, buckets)
}

// Registry returns a Prometheus registry exposing the collector along
// with the standard Go runtime and process collectors.
func (c *Collector) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if c == nil {
		return reg
	}
	reg.MustRegister(newPromCollector(c))
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the bridge started",
	}, func() float64 {
		return time.Since(c.startTime).Seconds()
	})
	return reg
}
