// Package metrics defines the Prometheus collectors used by the walker,
// indexer, store, watcher and query engine, and exposes an HTTP handler for
// scraping. Every Metrics value owns its registry so several engines can
// live in one process (tests open many).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	DirsScannedTotal    prometheus.Counter
	DirsSkippedTotal    *prometheus.CounterVec
	FilesDiscovered     prometheus.Counter
	DocsIndexedTotal    *prometheus.CounterVec
	TombstonesTotal     prometheus.Counter
	IndexFlushesTotal   *prometheus.CounterVec
	FlushDuration       prometheus.Histogram
	MergesTotal         *prometheus.CounterVec
	LiveSegments        prometheus.Gauge
	LiveDocuments       prometheus.Gauge
	ManifestGeneration  prometheus.Gauge
	CorruptSegments     prometheus.Gauge
	WatchEventsTotal    *prometheus.CounterVec
	WatchOverflowsTotal prometheus.Counter
	QueriesTotal        *prometheus.CounterVec
	QueryLatency        *prometheus.HistogramVec
	QueryResultsCount   prometheus.Histogram
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DirsScannedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walker_dirs_scanned_total",
			Help: "Directories listed by the walker.",
		}),
		DirsSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walker_dirs_skipped_total",
			Help: "Directories skipped by the walker, by reason.",
		}, []string{"reason"}),
		FilesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walker_files_discovered_total",
			Help: "File entries emitted by the walker.",
		}),
		DocsIndexedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_documents_total",
			Help: "Documents written to the active segment, by origin (scan, watch).",
		}, []string{"origin"}),
		TombstonesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexer_tombstones_total",
			Help: "Documents tombstoned by updates, removals and renames.",
		}),
		IndexFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_flushes_total",
			Help: "Active segment flushes by status.",
		}, []string{"status"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexer_flush_duration_seconds",
			Help:    "Time to write a segment and commit its manifest.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_merges_total",
			Help: "Segment merges by status.",
		}, []string{"status"}),
		LiveSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_live_segments",
			Help: "Segments referenced by the current manifest.",
		}),
		LiveDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_live_documents",
			Help: "Documents in the current manifest minus tombstones.",
		}),
		ManifestGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_manifest_generation",
			Help: "Generation of the current manifest.",
		}),
		CorruptSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_corrupt_segments",
			Help: "Segments excluded because their checksum did not verify.",
		}),
		WatchEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_events_total",
			Help: "Logical watch events delivered, by kind.",
		}, []string{"kind"}),
		WatchOverflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watcher_overflows_total",
			Help: "Notification overflows that forced a subtree rescan.",
		}),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_queries_total",
			Help: "Queries by mode and result type (hit, zero_result, syntax_error, error).",
		}, []string{"mode", "result_type"}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "search_latency_seconds",
			Help:    "Query resolution latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"mode"}),
		QueryResultsCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "search_results_count",
			Help:    "Number of matching documents per query.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 1000},
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "search_cache_hits_total",
			Help: "Query cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "search_cache_misses_total",
			Help: "Query cache misses.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DirsScannedTotal,
		m.DirsSkippedTotal,
		m.FilesDiscovered,
		m.DocsIndexedTotal,
		m.TombstonesTotal,
		m.IndexFlushesTotal,
		m.FlushDuration,
		m.MergesTotal,
		m.LiveSegments,
		m.LiveDocuments,
		m.ManifestGeneration,
		m.CorruptSegments,
		m.WatchEventsTotal,
		m.WatchOverflowsTotal,
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)
	return m
}

// Registry exposes the underlying registry (used by tests to gather values).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
