package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Session Metrics
	sessionsActive       prometheus.Gauge
	sessionsStartedTotal prometheus.Counter
	sessionsEndedTotal   *prometheus.CounterVec
	invitesTotal         *prometheus.CounterVec

	// Billing Metrics
	billingApprovedTotal prometheus.Counter
	billingDeclinedTotal *prometheus.CounterVec
	billingRefundsTotal  prometheus.Counter

	// Timer Metrics
	graceTimeoutsTotal      prometheus.Counter
	graceCancellationsTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),

		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "sessions_active",
				Help:        "Number of sessions currently admitted and running",
				ConstLabels: labels,
			},
		),
		sessionsStartedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "sessions_started_total",
				Help:        "Total number of sessions admitted",
				ConstLabels: labels,
			},
		),
		sessionsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sessions_ended_total",
				Help:        "Total number of sessions ended, by cause",
				ConstLabels: labels,
			},
			[]string{"cause"},
		),
		invitesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_invites_total",
				Help:        "Total number of call invites, by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),

		billingApprovedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "billing_authorizations_approved_total",
				Help:        "Total number of approved billing authorizations",
				ConstLabels: labels,
			},
		),
		billingDeclinedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "billing_authorizations_declined_total",
				Help:        "Total number of declined billing authorizations, by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		billingRefundsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "billing_refunds_total",
				Help:        "Total number of compensating refunds issued",
				ConstLabels: labels,
			},
		),

		graceTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "grace_timeouts_total",
				Help:        "Total number of grace periods that expired without reconnection",
				ConstLabels: labels,
			},
		),
		graceCancellationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "grace_cancellations_total",
				Help:        "Total number of grace timers cancelled by a reconnect",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry returns the private Prometheus registry for the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocketConnected records a new WebSocket connection
func (m *Metrics) WebSocketConnected() {
	m.websocketConnections.Inc()
}

// WebSocketDisconnected records a closed WebSocket connection
func (m *Metrics) WebSocketDisconnected() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a signaling event crossing the socket
func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

// SessionStarted records a session entering ACTIVE
func (m *Metrics) SessionStarted() {
	m.sessionsActive.Inc()
	m.sessionsStartedTotal.Inc()
}

// SessionEnded records a session reaching ENDED, labelled by cause
// (hangup, duration_expired, grace_timeout)
func (m *Metrics) SessionEnded(cause string) {
	m.sessionsActive.Dec()
	m.sessionsEndedTotal.WithLabelValues(cause).Inc()
}

// RecordInvite records a call_request, labelled by outcome
// (delivered, offline, busy)
func (m *Metrics) RecordInvite(outcome string) {
	m.invitesTotal.WithLabelValues(outcome).Inc()
}

// BillingApproved records an approved authorization
func (m *Metrics) BillingApproved() {
	m.billingApprovedTotal.Inc()
}

// BillingDeclined records a declined authorization, labelled by reason
func (m *Metrics) BillingDeclined(reason string) {
	m.billingDeclinedTotal.WithLabelValues(reason).Inc()
}

// BillingRefunded records a compensating refund
func (m *Metrics) BillingRefunded() {
	m.billingRefundsTotal.Inc()
}

// GraceTimeout records a grace period expiring without reconnection
func (m *Metrics) GraceTimeout() {
	m.graceTimeoutsTotal.Inc()
}

// GraceCancelled records a grace timer cancelled by a matching reconnect
func (m *Metrics) GraceCancelled() {
	m.graceCancellationsTotal.Inc()
}
