package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects client-side Prometheus metrics on its own registry so
// several clients (and tests) can coexist in one process.
//
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// LoginCounter counts login attempts.
	// Labels: result (success|failure)
	LoginCounter *prometheus.CounterVec

	// RefreshCounter counts token refresh outcomes.
	// Labels: result (success|failure|superseded)
	RefreshCounter *prometheus.CounterVec

	// RequestCounter counts gateway requests.
	// Labels: method, status_code
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures gateway request latency in seconds.
	// Labels: method
	RequestDuration *prometheus.HistogramVec

	// RetryCounter counts gateway resends.
	// Labels: reason (unauthorized|transport)
	RetryCounter *prometheus.CounterVec

	// SocketEvents counts socket lifecycle events.
	// Labels: event (open|close|error|reconnect_scheduled)
	SocketEvents *prometheus.CounterVec

	// OpenSockets is the number of sockets currently open.
	OpenSockets prometheus.Gauge

	// FrameCounter counts inbound chat frames.
	// Labels: result (accepted|duplicate|reconciled|malformed)
	FrameCounter *prometheus.CounterVec
}

// NewMetrics creates the client metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		LoginCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swappynest_logins_total",
				Help: "Total number of login attempts by result",
			},
			[]string{"result"},
		),

		RefreshCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swappynest_token_refreshes_total",
				Help: "Total number of access token refreshes by result",
			},
			[]string{"result"},
		),

		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swappynest_api_requests_total",
				Help: "Total number of API requests by method and status code",
			},
			[]string{"method", "status_code"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swappynest_api_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),

		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swappynest_api_retries_total",
				Help: "Total number of API request resends by reason",
			},
			[]string{"reason"},
		),

		SocketEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swappynest_socket_events_total",
				Help: "Total number of socket lifecycle events by type",
			},
			[]string{"event"},
		),

		OpenSockets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "swappynest_open_sockets",
				Help: "Number of currently open chat sockets",
			},
		),

		FrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swappynest_chat_frames_total",
				Help: "Total number of inbound chat frames by result",
			},
			[]string{"result"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordLogin counts a login attempt.
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.LoginCounter.WithLabelValues(result).Inc()
}

// RecordRefresh counts a refresh outcome.
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshCounter.WithLabelValues(result).Inc()
}

// RecordRequest records a completed gateway request. A status of 0 means
// the request never got a response.
func (m *Metrics) RecordRequest(method string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.RequestCounter.WithLabelValues(method, code).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordRetry counts a gateway resend.
func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.RetryCounter.WithLabelValues(reason).Inc()
}

// RecordSocketEvent counts a socket lifecycle event and tracks open sockets.
func (m *Metrics) RecordSocketEvent(event string) {
	if m == nil {
		return
	}
	m.SocketEvents.WithLabelValues(event).Inc()
	switch event {
	case "open":
		m.OpenSockets.Inc()
	case "close":
		m.OpenSockets.Dec()
	}
}

// RecordFrame counts an inbound chat frame.
func (m *Metrics) RecordFrame(result string) {
	if m == nil {
		return
	}
	m.FrameCounter.WithLabelValues(result).Inc()
}
