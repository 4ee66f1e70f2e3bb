// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionsActive  prometheus.Gauge
	RejectedTotal     *prometheus.CounterVec
	StreamEdits       prometheus.Counter
	StreamMessages    prometheus.Counter
	UploadsTotal      prometheus.Counter
	UploadBytes       prometheus.Histogram
	SessionsActive    prometheus.Gauge
	SessionsEvicted   prometheus.Counter
	WSConnections     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Passing nil uses a fresh registry,
// which keeps repeated construction in tests from colliding.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrelay_executions_total",
				Help: "Total number of finished executions",
			},
			[]string{"mode", "outcome"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrelay_execution_duration_seconds",
				Help:    "Execution wall time in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 180, 300},
			},
			[]string{"mode"},
		),
		ExecutionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentrelay_executions_active",
				Help: "Number of executions currently running",
			},
		),
		RejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrelay_requests_rejected_total",
				Help: "Requests rejected before execution",
			},
			[]string{"reason"},
		),
		StreamEdits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrelay_stream_edits_total",
				Help: "Status message edits sent while streaming",
			},
		),
		StreamMessages: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrelay_stream_messages_total",
				Help: "Result messages sent after executions",
			},
		),
		UploadsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrelay_uploads_total",
				Help: "Files attached to workspaces",
			},
		),
		UploadBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentrelay_upload_size_bytes",
				Help:    "Size of attached files",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
			},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentrelay_sessions_active",
				Help: "Sessions held in the registry",
			},
		),
		SessionsEvicted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrelay_sessions_evicted_total",
				Help: "Idle sessions dropped by the TTL worker",
			},
		),
		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentrelay_ws_connections",
				Help: "Open websocket connections",
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ExecutionStarted marks a run as in flight.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsActive.Inc()
}

// ExecutionFinished records the outcome of a run.
func (m *Metrics) ExecutionFinished(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsActive.Dec()
	m.ExecutionsTotal.WithLabelValues(mode, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Rejected counts a request refused before anything ran.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

// StreamEdited counts one live status edit.
func (m *Metrics) StreamEdited() {
	if m == nil {
		return
	}
	m.StreamEdits.Inc()
}

// StreamSent counts result messages.
func (m *Metrics) StreamSent(n int) {
	if m == nil {
		return
	}
	m.StreamMessages.Add(float64(n))
}

// Uploaded records an attached file.
func (m *Metrics) Uploaded(size int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.Inc()
	m.UploadBytes.Observe(float64(size))
}

// SetSessions reports the registry size.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// Evicted counts sessions dropped for inactivity.
func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.SessionsEvicted.Add(float64(n))
}

// WSConnected adjusts the open websocket gauge by delta.
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}
