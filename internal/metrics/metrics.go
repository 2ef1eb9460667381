// Package metrics exposes Prometheus collectors for the recorder, the viewer
// API and retention cleanup.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracelog/pkg/tracelog"
)

// Metrics holds all Prometheus collectors. It implements tracelog.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Recorder metrics
	RowsWritten       *prometheus.CounterVec
	SinkFailures      *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Retention metrics
	CleanupRuns    *prometheus.CounterVec
	RowsDeleted    prometheus.Counter
	LastCleanupRun prometheus.Gauge

	// Viewer cache
	CacheLookups *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RowsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracelog_rows_written_total",
				Help: "Total number of trace rows written, by sink and level",
			},
			[]string{"sink", "level"},
		),
		SinkFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracelog_sink_failures_total",
				Help: "Total number of swallowed sink write failures",
			},
			[]string{"sink"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracelog_operation_duration_seconds",
				Help:    "Duration of instrumented operations in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"phase"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracelog_http_requests_total",
				Help: "Total number of viewer API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracelog_http_request_duration_seconds",
				Help:    "Viewer API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		CleanupRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracelog_cleanup_runs_total",
				Help: "Total number of retention cleanup runs, by outcome",
			},
			[]string{"outcome"},
		),
		RowsDeleted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tracelog_rows_deleted_total",
				Help: "Total number of rows removed by retention cleanup",
			},
		),
		LastCleanupRun: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracelog_last_cleanup_timestamp_seconds",
				Help: "Unix time of the last successful cleanup",
			},
		),

		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracelog_trace_cache_lookups_total",
				Help: "Trace detail cache lookups, by result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RowWritten implements tracelog.Observer.
func (m *Metrics) RowWritten(sink string, level tracelog.Level) {
	m.RowsWritten.WithLabelValues(sink, string(level)).Inc()
}

// SinkFailed implements tracelog.Observer.
func (m *Metrics) SinkFailed(sink string) {
	m.SinkFailures.WithLabelValues(sink).Inc()
}

// OperationFinished implements tracelog.Observer. Operation names are not
// used as labels to keep cardinality bounded.
func (m *Metrics) OperationFinished(_ string, phase tracelog.Phase, elapsed time.Duration) {
	m.OperationDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
}

// ObserveRequest records one viewer API request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveCleanup records one retention cleanup run.
func (m *Metrics) ObserveCleanup(deleted int64, at time.Time, err error) {
	if err != nil {
		m.CleanupRuns.WithLabelValues("error").Inc()
		return
	}
	m.CleanupRuns.WithLabelValues("success").Inc()
	m.RowsDeleted.Add(float64(deleted))
	m.LastCleanupRun.Set(float64(at.Unix()))
}

// ObserveCacheLookup records a trace cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

var _ tracelog.Observer = (*Metrics)(nil)
