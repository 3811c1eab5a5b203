// Package observability exposes Prometheus metrics for the fire map API.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "firemap"

// Metrics holds the counters and histograms recorded by the API.
type Metrics struct {
	HTTPRequests *prometheus.CounterVec   // labels: method, route, status
	HTTPDuration *prometheus.HistogramVec // labels: method, route

	// Report metrics.
	Reports          *prometheus.CounterVec // labels: kind={map,archive}, outcome={ok,empty,error}
	ReportDuration   *prometheus.HistogramVec
	RecordsSelected  prometheus.Histogram
	MultiPolygonDrop prometheus.Counter
	ArchiveBytes     prometheus.Histogram

	// Catalog metrics.
	Ingestions       *prometheus.CounterVec // labels: outcome={registered,skipped,failed}
	DatasetsKnown    prometheus.Gauge
	ViewCacheLookups *prometheus.CounterVec // labels: result={hit,miss,error}
}

// NewRegistry returns a private registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics gathered by reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewMetrics creates all API metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Rendered reports by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_duration_seconds",
			Help:      "Time to build a map document or archive.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		RecordsSelected: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "records_selected",
			Help:      "Incident records left after filtering.",
			Buckets:   []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
		}),
		MultiPolygonDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multipolygon_records_dropped_total",
			Help:      "Multi-polygon records skipped while preparing a selection.",
		}),
		ArchiveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Size of exported shapefile archives.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		Ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Dataset bundles seen by ingestion, by outcome.",
		}, []string{"outcome"}),
		DatasetsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "datasets_registered",
			Help:      "Datasets currently registered in the catalog.",
		}),
		ViewCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_cache_lookups_total",
			Help:      "Saved-view document cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.Reports,
		m.ReportDuration,
		m.RecordsSelected,
		m.MultiPolygonDrop,
		m.ArchiveBytes,
		m.Ingestions,
		m.DatasetsKnown,
		m.ViewCacheLookups,
	)

	return m
}

// NewMetricsForTesting creates Metrics on a fresh registry so tests never collide.
func NewMetricsForTesting() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
