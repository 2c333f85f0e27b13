package gateway

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedClients tracks the number of currently connected WebSocket clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodebroker_connected_clients",
		Help: "The number of currently connected WebSocket clients",
	})

	// MessagesTotal tracks the total number of messages sent and received.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodebroker_messages_total",
		Help: "The total number of messages sent and received",
	}, []string{"direction"}) // "in", "out"

	// ErrorsTotal tracks the total number of errors encountered.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodebroker_errors_total",
		Help: "The total number of errors encountered",
	}, []string{"type"}) // "auth", "protocol", "internal"

	// InflightBytes tracks the aggregate bytes currently in flight across
	// every chunked invoke-result transfer.
	InflightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodebroker_inflight_bytes",
		Help: "Aggregate bytes currently in flight across chunked invoke-result transfers",
	})

	// PendingInvokes tracks the number of node invocations awaiting resolution.
	PendingInvokes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodebroker_pending_invokes",
		Help: "The number of node invocations currently awaiting resolution",
	})

	// TransfersActive tracks the number of chunked transfers currently in flight.
	TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodebroker_transfers_active",
		Help: "The number of chunked invoke-result transfers currently in flight",
	})
)

// MetricsHandler returns the HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// IncConnectedClients increments the connected clients gauge.
func IncConnectedClients() {
	ConnectedClients.Inc()
}

// DecConnectedClients decrements the connected clients gauge.
func DecConnectedClients() {
	ConnectedClients.Dec()
}

// IncMessageIn increments the incoming message counter.
func IncMessageIn() {
	MessagesTotal.WithLabelValues("in").Inc()
}

// IncMessageOut increments the outgoing message counter.
func IncMessageOut() {
	MessagesTotal.WithLabelValues("out").Inc()
}

// IncError increments the error counter for the given type.
func IncError(errType string) {
	ErrorsTotal.WithLabelValues(errType).Inc()
}

func init() {
	log.Println("metrics initialized")
}
