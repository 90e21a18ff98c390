// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks control API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total control API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// OperationDuration tracks backend RPC duration.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_operation_duration_seconds",
			Help:    "Backend RPC duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"operation", "outcome"},
	)

	// StatusTotal counts operation result statuses routed through the central handler.
	StatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operation_status_total",
			Help: "Operation results by status",
		},
		[]string{"status"},
	)

	// TurnsTotal counts finished turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Total conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnsActive is 1 while a turn is being processed.
	TurnsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turns_active",
			Help: "Number of turns currently being processed",
		},
	)

	// CancellationsTotal counts out-of-band cancellation attempts.
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cancellations_total",
			Help: "Out-of-band cancellation sends by result",
		},
		[]string{"result"},
	)

	// PollTicksTotal counts completion poller ticks.
	PollTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_ticks_total",
			Help: "Completion poller ticks",
		},
		[]string{"kind", "result"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// EventsPublishedTotal counts turn events published to NATS.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turn_events_published_total",
			Help: "Turn events published to NATS",
		},
		[]string{"type", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordOperation records metrics for a backend RPC.
func RecordOperation(operation, outcome string, duration float64) {
	OperationDuration.WithLabelValues(operation, outcome).Observe(duration)
}

// RecordStatus counts a routed operation status.
func RecordStatus(status string) {
	StatusTotal.WithLabelValues(status).Inc()
}

// TurnStarted marks a turn as active.
func TurnStarted() {
	TurnsActive.Inc()
}

// TurnFinished marks a turn as finished with the given outcome.
func TurnFinished(outcome string) {
	TurnsActive.Dec()
	TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordCancellation counts a cancellation send.
func RecordCancellation(result string) {
	CancellationsTotal.WithLabelValues(result).Inc()
}

// RecordPoll counts a poller tick.
func RecordPoll(kind, result string) {
	PollTicksTotal.WithLabelValues(kind, result).Inc()
}

// RecordPublish counts a published turn event.
func RecordPublish(eventType, result string) {
	EventsPublishedTotal.WithLabelValues(eventType, result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
