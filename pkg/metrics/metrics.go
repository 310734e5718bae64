package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Signaling Metrics
	signalsTotal       *prometheus.CounterVec
	staleSignalsTotal  prometheus.Counter
	signalErrorsTotal  *prometheus.CounterVec

	// Presence Metrics
	usersOnline prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by kind and outcome",
				ConstLabels: labels,
			},
			[]string{"kind", "outcome"},
		),
		callsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of non-terminal call sessions",
				ConstLabels: labels,
			},
		),
		callsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"kind"},
		),
		callsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed calls",
				ConstLabels: labels,
			},
			[]string{"kind", "reason"},
		),

		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		staleSignalsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_stale_messages_total",
				Help:        "Signaling messages dropped for unknown or terminal sessions",
				ConstLabels: labels,
			},
		),
		signalErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_errors_total",
				Help:        "Total number of signaling transport errors",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),

		usersOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_users_online",
				Help:        "Number of users currently online",
				ConstLabels: labels,
			},
		),

		websocketConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.callsTotal,
		m.callsActive,
		m.callsDuration,
		m.callsFailedTotal,
		m.signalsTotal,
		m.staleSignalsTotal,
		m.signalErrorsTotal,
		m.usersOnline,
		m.websocketConnections,
		m.websocketMessagesTotal,
	)

	return m
}

// GetRegistry returns the private Prometheus registry backing the metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Call Metrics Methods

// RecordCall records a terminal call outcome
func (m *Metrics) RecordCall(kind, outcome string) {
	m.callsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncrementActiveCalls increments the active call gauge
func (m *Metrics) IncrementActiveCalls() {
	m.callsActive.Inc()
}

// DecrementActiveCalls decrements the active call gauge
func (m *Metrics) DecrementActiveCalls() {
	m.callsActive.Dec()
}

// RecordCallDuration records the duration of a completed call
func (m *Metrics) RecordCallDuration(kind string, duration time.Duration) {
	m.callsDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(kind, reason string) {
	m.callsFailedTotal.WithLabelValues(kind, reason).Inc()
}

// Signaling Metrics Methods

// RecordSignal records a signaling message
func (m *Metrics) RecordSignal(msgType, direction string) {
	m.signalsTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordStaleSignal records a dropped message for an unknown or terminal session
func (m *Metrics) RecordStaleSignal() {
	m.staleSignalsTotal.Inc()
}

// RecordSignalError records a signaling transport error
func (m *Metrics) RecordSignalError(operation string) {
	m.signalErrorsTotal.WithLabelValues(operation).Inc()
}

// Presence Metrics Methods

// SetUsersOnline sets the number of online users
func (m *Metrics) SetUsersOnline(count int) {
	m.usersOnline.Set(float64(count))
}

// WebSocket Metrics Methods

// IncrementWebSocketConnections increments the WebSocket connection gauge
func (m *Metrics) IncrementWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection gauge
func (m *Metrics) DecrementWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}
