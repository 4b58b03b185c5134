// Package metrics provides Prometheus metrics for the presence service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegistryOperationsTotal counts registry operations by outcome.
	RegistryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "registry_operations_total",
			Help:      "Total number of presence registry operations",
		},
		[]string{"operation", "status"},
	)

	// RegistryOperationDuration measures registry operation duration.
	RegistryOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "presence",
			Name:      "registry_operation_duration_seconds",
			Help:      "Duration of presence registry operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// EventsEmittedTotal counts events delivered to local listeners.
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "events_emitted_total",
			Help:      "Total number of presence events emitted to local listeners",
		},
		[]string{"kind", "origin"},
	)

	// EventsPublishedTotal counts cross-instance publishes.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "events_published_total",
			Help:      "Total number of presence events published to sibling instances",
		},
		[]string{"status"},
	)

	// EventsMalformedTotal counts discarded cross-instance payloads.
	EventsMalformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "events_malformed_total",
			Help:      "Total number of malformed cross-instance payloads discarded",
		},
	)

	// GatewayConnections tracks live websocket connections on this instance.
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "gateway_connections",
			Help:      "Number of live websocket connections on this instance",
		},
	)

	// GatewayDroppedClientsTotal counts clients closed by the gateway.
	GatewayDroppedClientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "gateway_dropped_clients_total",
			Help:      "Total number of clients closed by the gateway",
		},
		[]string{"reason"},
	)

	// StoreMode reports the active backing store (0 = local, 1 = redis).
	StoreMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "store_mode",
			Help:      "Active presence store (0 = local, 1 = redis)",
		},
	)
)

// RecordOperation records one registry operation.
func RecordOperation(operation, status string, duration float64) {
	RegistryOperationsTotal.WithLabelValues(operation, status).Inc()
	RegistryOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordEmit records an event delivered to local listeners.
func RecordEmit(kind, origin string) {
	EventsEmittedTotal.WithLabelValues(kind, origin).Inc()
}

// RecordPublish records a cross-instance publish attempt.
func RecordPublish(status string) {
	EventsPublishedTotal.WithLabelValues(status).Inc()
}

// RecordMalformed records a discarded cross-instance payload.
func RecordMalformed() {
	EventsMalformedTotal.Inc()
}

// RecordDroppedClient records a client closed by the gateway.
func RecordDroppedClient(reason string) {
	GatewayDroppedClientsTotal.WithLabelValues(reason).Inc()
}

// SetStoreMode sets the store mode gauge.
func SetStoreMode(replicated bool) {
	if replicated {
		StoreMode.Set(1)
		return
	}
	StoreMode.Set(0)
}
