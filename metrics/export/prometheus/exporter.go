package prometheus

import (
	"net/http"

	authkit "github.com/marketlens/authkit"
	"github.com/marketlens/authkit/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsSource interface {
	MetricsSnapshot() authkit.MetricsSnapshot
	AuditDropped() uint64
}

// Collector implements prometheus.Collector over an engine's metrics
// snapshot. All metrics are const metrics materialized at scrape time.
type Collector struct {
	source   metricsSource
	counters map[authkit.MetricID]*prometheus.Desc
	latency  *prometheus.Desc
	dropped  *prometheus.Desc
}

// NewCollector creates a Collector reading from the given [authkit.Engine].
func NewCollector(engine *authkit.Engine) *Collector {
	return NewCollectorFromSource(engine)
}

// NewCollectorFromSource creates a Collector from a custom metrics source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source:   source,
		counters: make(map[authkit.MetricID]*prometheus.Desc, len(internaldefs.CounterDefs)),
		latency: prometheus.NewDesc(
			internaldefs.ValidateLatencyName,
			"Validation pipeline latency.",
			nil, nil,
		),
		dropped: prometheus.NewDesc(
			internaldefs.AuditDroppedName,
			"Dropped audit events due to dispatcher backpressure.",
			nil, nil,
		),
	}
	for _, def := range internaldefs.CounterDefs {
		c.counters[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.counters {
		ch <- desc
	}
	ch <- c.latency
	ch <- c.dropped
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}

	snapshot := c.source.MetricsSnapshot()

	for _, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(
			c.counters[def.ID],
			prometheus.CounterValue,
			float64(snapshot.Counters[def.ID]),
		)
	}

	if len(snapshot.ValidateLatency) > 0 {
		bounds := authkit.ValidateLatencyBounds()
		cumulative := internaldefs.CumulativeBuckets(snapshot.ValidateLatency)
		buckets := make(map[float64]uint64, len(bounds))
		for i, bound := range bounds {
			buckets[bound.Seconds()] = cumulative[i]
		}
		// The table tracks counts only; the exposed sum is zero.
		ch <- prometheus.MustNewConstHistogram(c.latency, snapshot.LatencyCount, 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.source.AuditDropped()))
}

// Handler returns an http.Handler serving this collector on a dedicated
// registry.
func (c *Collector) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
