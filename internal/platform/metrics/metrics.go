// Package metrics provides Prometheus metrics for the import pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error origins.
const (
	OriginFetch = "fetch"
	OriginMap   = "map"
	OriginAuth  = "auth"
)

// Token refresh outcomes.
const (
	RefreshSuccess   = "success"
	RefreshFailure   = "failure"
	RefreshCoalesced = "coalesced"
)

// Metrics holds the import collectors. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	PagesFetched     *prometheus.CounterVec
	ResourcesFetched *prometheus.CounterVec
	RecordsMapped    *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	ImportDuration   prometheus.Histogram
	ImportsRunning   prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_import_pages_total",
			Help: "Search result pages fetched",
		}, []string{"resource_type"}),
		ResourcesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_import_resources_fetched_total",
			Help: "Resources received in search bundles",
		}, []string{"resource_type"}),
		RecordsMapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_import_records_mapped_total",
			Help: "Resources successfully mapped to clinical records",
		}, []string{"resource_type"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_import_errors_total",
			Help: "Import errors by resource type and origin",
		}, []string{"resource_type", "origin"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_import_token_refresh_total",
			Help: "Access token refresh attempts by outcome",
		}, []string{"outcome"}),
		ImportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhir_import_duration_seconds",
			Help:    "Wall time of complete import runs",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ImportsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fhir_import_running",
			Help: "Imports currently in progress",
		}),
	}

	reg.MustRegister(
		m.PagesFetched,
		m.ResourcesFetched,
		m.RecordsMapped,
		m.Errors,
		m.TokenRefreshes,
		m.ImportDuration,
		m.ImportsRunning,
	)
	return m
}

func (m *Metrics) Page(resourceType string, resources int) {
	if m == nil {
		return
	}
	m.PagesFetched.WithLabelValues(resourceType).Inc()
	m.ResourcesFetched.WithLabelValues(resourceType).Add(float64(resources))
}

func (m *Metrics) Mapped(resourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsMapped.WithLabelValues(resourceType).Add(float64(n))
}

func (m *Metrics) Error(resourceType, origin string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(resourceType, origin).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// ImportStarted marks an import as running and returns a func that records
// its duration when called.
func (m *Metrics) ImportStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.ImportsRunning.Inc()
	return func() {
		m.ImportsRunning.Dec()
		m.ImportDuration.Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
