package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections prometheus.Gauge

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsFailedTotal *prometheus.CounterVec

	// Signaling Metrics
	signalingMessagesTotal *prometheus.CounterVec
	peerConnectionsActive  prometheus.Gauge

	// Notification Metrics
	notificationsTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on a registry owned by
// the returned instance, so several instances can coexist in one process.
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

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

		websocketConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of call record transitions",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of call sessions currently in progress",
				ConstLabels: labels,
			},
		),
		callsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed call operations",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),

		signalingMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		peerConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "peer_connections_active",
				Help:        "Number of tracked peer connections",
				ConstLabels: labels,
			},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "notifications_total",
				Help:        "Total number of notifications by delivery status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.websocketConnections,
		m.callsTotal,
		m.callsActive,
		m.callsFailedTotal,
		m.signalingMessagesTotal,
		m.peerConnectionsActive,
		m.notificationsTotal,
	)

	return m
}

// GetRegistry returns the registry the metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry in Prometheus format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

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

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordCall records a call record transition
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// CallStarted and CallFinished track in-progress call sessions
func (m *Metrics) CallStarted() {
	m.callsActive.Inc()
}

func (m *Metrics) CallFinished() {
	m.callsActive.Dec()
}

// RecordCallFailure records a failed call operation
func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// RecordSignalingMessage records a signaling message; direction is "in" or "out"
func (m *Metrics) RecordSignalingMessage(event, direction string) {
	m.signalingMessagesTotal.WithLabelValues(event, direction).Inc()
}

// AddPeerConnections adjusts the tracked peer connection gauge by delta
func (m *Metrics) AddPeerConnections(delta int) {
	m.peerConnectionsActive.Add(float64(delta))
}

// RecordNotification records a notification delivery outcome
func (m *Metrics) RecordNotification(notifType, status string) {
	m.notificationsTotal.WithLabelValues(notifType, status).Inc()
}
