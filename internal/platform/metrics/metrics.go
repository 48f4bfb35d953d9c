// Package metrics exposes the importer's Prometheus instruments. All
// instruments live on a private registry so that tests and multiple servers
// in one process never collide on the default registerer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labingest"

const (
	MetricRuns          = "runs_total"
	MetricRows          = "rows_total"
	MetricMergedEvents  = "merged_events_total"
	MetricRunDuration   = "run_duration_seconds"
	MetricHTTPRequests  = "http_requests_total"
	MetricHTTPDuration  = "http_request_duration_seconds"
	MetricActiveRequest = "http_active_requests"
)

// Row outcomes.
const (
	OutcomeStaged    = "staged"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeOrphan    = "orphan"
)

// Metrics holds the importer's counters and histograms. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	reg *prometheus.Registry

	Runs         *prometheus.CounterVec
	Rows         *prometheus.CounterVec
	MergedEvents *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	HTTPActive   prometheus.Gauge
}

// New creates the instruments and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRuns,
			Help:      "Import runs by mode and final status.",
		}, []string{"mode", "status"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRows,
			Help:      "Input rows by format and outcome.",
		}, []string{"format", "outcome"}),
		MergedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricMergedEvents,
			Help:      "Canonical events touched by merges, by result.",
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricRunDuration,
			Help:      "Wall time of import runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"mode"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricHTTPRequests,
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricHTTPDuration,
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricActiveRequest,
			Help:      "In-flight HTTP requests.",
		}),
	}
	m.reg.MustRegister(
		m.Runs, m.Rows, m.MergedEvents, m.RunDuration,
		m.HTTPRequests, m.HTTPDuration, m.HTTPActive,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(mode, status).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// AddRows counts n rows of format that ended in outcome.
func (m *Metrics) AddRows(format, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Rows.WithLabelValues(format, outcome).Add(float64(n))
}

// ObserveMerge records the counts of one merge.
func (m *Metrics) ObserveMerge(inserted, updated, unchanged int) {
	if m == nil {
		return
	}
	m.MergedEvents.WithLabelValues("inserted").Add(float64(inserted))
	m.MergedEvents.WithLabelValues("updated").Add(float64(updated))
	m.MergedEvents.WithLabelValues("unchanged").Add(float64(unchanged))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
}

// Middleware records request counts, latency and in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.HTTPActive.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			m.HTTPActive.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
