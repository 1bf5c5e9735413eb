// Package metrics holds the Prometheus collectors shared by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_http_requests_total",
		Help: "HTTP requests by method and status class",
	}, []string{"method", "code"})

	RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_http_requests_in_flight",
		Help: "HTTP requests currently being served",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	AnalysesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "review_analyses_started_total",
		Help: "Analyses admitted into the registry",
	})

	AnalysesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_analyses_rejected_total",
		Help: "Start requests rejected before a record was created",
	}, []string{"reason"})

	AnalysesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_analyses_finished_total",
		Help: "Analyses that reached a terminal status",
	}, []string{"status"})

	AnalysesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_analyses_running",
		Help: "Worker slots currently in use",
	})

	AnalysesQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_analyses_queued",
		Help: "Analyses waiting for a worker slot",
	})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "review_analysis_duration_seconds",
		Help:    "Wall-clock time from running to terminal",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_evictions_total",
		Help: "Records removed by the eviction sweep, by reason",
	}, []string{"reason"})

	StoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_store_bytes",
		Help: "Approximate serialized size of all records in memory",
	})

	StoreRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_store_records",
		Help: "Records held in the memory tier",
	})

	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_persistence_errors_total",
		Help: "Durable tier failures by operation",
	}, []string{"op"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_notifications_total",
		Help: "Events pushed to connections, by type",
	}, []string{"type"})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_ws_connections",
		Help: "Open notification connections",
	})
)
