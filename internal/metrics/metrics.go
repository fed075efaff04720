// Package metrics exposes tcpingd's Prometheus metrics.
//
// Every collector lives on a private registry owned by Metrics, so tests can
// create as many instances as they like. Methods are safe on a nil
// *Metrics, which lets components run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tcpingd"

// Metrics holds all collectors.
type Metrics struct {
	registry *prometheus.Registry

	samplesIngested  *prometheus.CounterVec
	samplesRejected  *prometheus.CounterVec
	samplesDuplicate *prometheus.CounterVec
	ingestErrors     *prometheus.CounterVec

	queryDuration *prometheus.HistogramVec
	queryRows     prometheus.Histogram
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheShared   prometheus.Counter
	cacheEntries  prometheus.Gauge

	upstreamFetches  *prometheus.CounterVec
	upstreamDuration prometheus.Histogram
	probeResults     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	servers         prometheus.Gauge
	monitors        prometheus.Gauge
	retentionPruned prometheus.Counter
	archivedDays    prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		samplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Samples newly written to the store, by source.",
		}, []string{"source"}),
		samplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Samples dropped before storage, by source and reason.",
		}, []string{"source", "reason"}),
		samplesDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_duplicate_total",
			Help:      "Samples ignored because their key was already stored.",
		}, []string{"source"}),
		ingestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Store append failures, by source.",
		}, []string{"source"}),

		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Series query latency, by outcome kind.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
		queryRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_rows",
			Help:      "Rows returned per series query.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_hits_total",
			Help:      "Series queries answered from the cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_misses_total",
			Help:      "Series queries computed from the store.",
		}),
		cacheShared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_shared_total",
			Help:      "Cache misses that joined an in-flight identical query.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "query_cache_entries",
			Help:      "Entries currently held by the query cache.",
		}),

		upstreamFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fetches_total",
			Help:      "Upstream history fetches, by result.",
		}, []string{"result"}),
		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Upstream history fetch latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Local probe executions, by probe type and result.",
		}, []string{"type", "result"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inventory_servers",
			Help:      "Servers in the inventory.",
		}),
		monitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inventory_monitors",
			Help:      "Monitors in the inventory.",
		}),
		retentionPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_samples_pruned_total",
			Help:      "Samples removed from the store by retention.",
		}),
		archivedDays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_days_archived_total",
			Help:      "Days exported to the Parquet archive.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samplesIngested, m.samplesRejected, m.samplesDuplicate, m.ingestErrors,
		m.queryDuration, m.queryRows, m.cacheHits, m.cacheMisses, m.cacheShared, m.cacheEntries,
		m.upstreamFetches, m.upstreamDuration, m.probeResults,
		m.httpRequests, m.httpDuration,
		m.servers, m.monitors, m.retentionPruned, m.archivedDays,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Ingested records the outcome of one ingest batch.
func (m *Metrics) Ingested(source string, stored, duplicate int) {
	if m == nil {
		return
	}
	m.samplesIngested.WithLabelValues(source).Add(float64(stored))
	m.samplesDuplicate.WithLabelValues(source).Add(float64(duplicate))
}

// Rejected counts samples dropped before storage.
func (m *Metrics) Rejected(source, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.samplesRejected.WithLabelValues(source, reason).Add(float64(n))
}

// IngestFailed counts a failed store append.
func (m *Metrics) IngestFailed(source string) {
	if m == nil {
		return
	}
	m.ingestErrors.WithLabelValues(source).Inc()
}

// Query records one series query. kind is empty on success.
func (m *Metrics) Query(kind string, d time.Duration, rows int) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "OK"
		m.queryRows.Observe(float64(rows))
	}
	m.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// CacheHit counts a cache hit.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// CacheMiss counts a cache miss; shared is true when it joined an
// in-flight computation.
func (m *Metrics) CacheMiss(shared bool) {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
	if shared {
		m.cacheShared.Inc()
	}
}

// CacheSize sets the cache entry gauge.
func (m *Metrics) CacheSize(n int) {
	if m != nil {
		m.cacheEntries.Set(float64(n))
	}
}

// UpstreamFetch records one upstream fetch.
func (m *Metrics) UpstreamFetch(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstreamFetches.WithLabelValues(result).Inc()
	m.upstreamDuration.Observe(d.Seconds())
}

// Probe records one probe execution.
func (m *Metrics) Probe(probeType string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.probeResults.WithLabelValues(probeType, result).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Inventory sets the inventory size gauges.
func (m *Metrics) Inventory(servers, monitors int) {
	if m == nil {
		return
	}
	m.servers.Set(float64(servers))
	m.monitors.Set(float64(monitors))
}

// Retention records one retention run.
func (m *Metrics) Retention(pruned int64, archivedDays int) {
	if m == nil {
		return
	}
	m.retentionPruned.Add(float64(pruned))
	m.archivedDays.Add(float64(archivedDays))
}
