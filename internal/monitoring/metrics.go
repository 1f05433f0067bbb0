package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission outcomes
const (
	OutcomeAllowed     = "allowed"
	OutcomeRejected    = "rejected"
	OutcomeWhitelisted = "whitelisted"
)

// Delivery kinds
const (
	DeliveryDirect    = "direct"
	DeliveryBroadcast = "broadcast"
	DeliveryRelay     = "relay"
)

// Prometheus metrics for the real-time gateway.
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_connections_total",
		Help: "Total number of WebSocket connections established",
	}, []string{"hub"})

	connectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rt_connections_active",
		Help: "Current number of registered connections",
	}, []string{"hub"})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_connections_rejected_total",
		Help: "Connection attempts rejected before registration",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rt_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, // 1s to 1hr
	}, []string{"hub"})

	// Admission metrics
	admissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_admission_decisions_total",
		Help: "Admission decisions by route class and outcome",
	}, []string{"route_class", "outcome"})

	admissionBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_admission_buckets",
		Help: "Number of live rate buckets",
	})

	// Identity metrics
	authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_auth_failures_total",
		Help: "Session authentication and validation failures by reason",
	}, []string{"reason"})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_sessions_active",
		Help: "Live server-side sessions",
	})

	// Presence metrics
	channelJoinsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_channel_joins_denied_total",
		Help: "Channel joins rejected by authorization",
	}, []string{"kind"})

	// Delivery metrics
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_deliveries_total",
		Help: "Payloads delivered to connections",
	}, []string{"kind"})

	deliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_delivery_failures_total",
		Help: "Per-connection delivery failures",
	}, []string{"kind"})

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_messages_received_total",
		Help: "Frames received from clients",
	}, []string{"hub"})

	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_capacity_rejections_total",
		Help: "Connections rejected by the resource guard",
	}, []string{"reason"})

	memoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_memory_rss_bytes",
		Help: "Resident set size sampled by the resource guard",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		connectionDuration,
		admissionDecisions,
		admissionBuckets,
		authFailures,
		sessionsActive,
		channelJoinsDenied,
		deliveriesTotal,
		deliveryFailures,
		messagesReceived,
		capacityRejections,
		memoryBytes,
	)
}

// HandleMetrics serves the Prometheus exposition format
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func RecordConnectionOpened(hub string) {
	connectionsTotal.WithLabelValues(hub).Inc()
	connectionsActive.WithLabelValues(hub).Inc()
}

func RecordConnectionClosed(hub string, seconds float64) {
	connectionsActive.WithLabelValues(hub).Dec()
	connectionDuration.WithLabelValues(hub).Observe(seconds)
}

func RecordConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func RecordAdmission(routeClass, outcome string) {
	admissionDecisions.WithLabelValues(routeClass, outcome).Inc()
}

func SetAdmissionBuckets(n int) {
	admissionBuckets.Set(float64(n))
}

func RecordAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

func RecordJoinDenied(kind string) {
	channelJoinsDenied.WithLabelValues(kind).Inc()
}

// RecordDelivery records the outcome of one fan-out.
func RecordDelivery(kind string, delivered, failed int) {
	if delivered > 0 {
		deliveriesTotal.WithLabelValues(kind).Add(float64(delivered))
	}
	if failed > 0 {
		deliveryFailures.WithLabelValues(kind).Add(float64(failed))
	}
}

func RecordMessageReceived(hub string) {
	messagesReceived.WithLabelValues(hub).Inc()
}

func IncrementCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

func SetMemoryBytes(n uint64) {
	memoryBytes.Set(float64(n))
}
