// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks adapter HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adapter_request_duration_seconds",
			Help:    "Subscription adapter HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total adapter HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_requests_total",
			Help: "Total subscription adapter HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// RESTCallDuration tracks calls to the REST collaborator.
	RESTCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_rest_call_duration_seconds",
			Help:    "REST collaborator call duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op", "outcome"},
	)

	// TransportState exposes the current transport session state as a gauge
	// per state label (1 for the active state, 0 otherwise).
	TransportState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_transport_state",
			Help: "Current transport session state",
		},
		[]string{"state"},
	)

	// ReconnectsTotal tracks reconnect attempts of the push channel.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_reconnects_total",
			Help: "Push channel reconnect attempts",
		},
		[]string{"outcome"},
	)

	// EventsTotal tracks inbound push events routed by the dispatcher.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_total",
			Help: "Inbound push events dispatched",
		},
		[]string{"type"},
	)

	// EventsDropped tracks inbound push events the dispatcher discarded.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_dropped_total",
			Help: "Inbound push events dropped",
		},
		[]string{"reason"},
	)

	// MessagesSentTotal tracks outcomes of optimistic sends.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_messages_sent_total",
			Help: "Messages sent through the conversation store",
		},
		[]string{"outcome"},
	)

	// RollbacksTotal tracks optimistic mutations rolled back after a failed write.
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rollbacks_total",
			Help: "Optimistic mutations rolled back",
		},
		[]string{"op"},
	)
)

// RecordRequest records metrics for an adapter HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRESTCall records metrics for a REST collaborator call.
func RecordRESTCall(op string, err error, duration float64) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	RESTCallDuration.WithLabelValues(op, outcome).Observe(duration)
}

// SetTransportState marks state as the active transport state.
func SetTransportState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		TransportState.WithLabelValues(s).Set(v)
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
