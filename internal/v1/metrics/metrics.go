package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the screen relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: screen_relay (application-level grouping)
// - subsystem: websocket, router, ocr, worker (feature-level grouping)
// - name: specific metric (connections_active, messages_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, peers per classification)
// - Counter: Cumulative events (messages routed, captures, errors)
// - Histogram: Latency distributions (OCR round trip)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "screen_relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// PeersByClassification tracks connected peers per classification (GaugeVec - current state)
	PeersByClassification = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "screen_relay",
		Subsystem: "websocket",
		Name:      "peers",
		Help:      "Connected peers per classification",
	}, []string{"classification"})

	// MessagesRouted tracks messages processed on the generic message channel (CounterVec - cumulative)
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screen_relay",
		Subsystem: "router",
		Name:      "messages_total",
		Help:      "Messages processed on the message channel",
	}, []string{"message_type", "status"})

	// EventsEmitted tracks lifecycle events broadcast to the room (CounterVec - cumulative)
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screen_relay",
		Subsystem: "router",
		Name:      "events_total",
		Help:      "Lifecycle events broadcast to the room",
	}, []string{"event"})

	// OCRRequests tracks OCR round trips by outcome (CounterVec - cumulative)
	OCRRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screen_relay",
		Subsystem: "ocr",
		Name:      "requests_total",
		Help:      "OCR requests by outcome",
	}, []string{"status"})

	// OCRRequestDuration tracks the trigger-to-completion latency of OCR requests (Histogram - latency distribution)
	OCRRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "screen_relay",
		Subsystem: "ocr",
		Name:      "request_duration_seconds",
		Help:      "Trigger-to-completion latency of OCR requests",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// Captures tracks screenshot capture attempts by status (CounterVec - cumulative)
	Captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screen_relay",
		Subsystem: "worker",
		Name:      "captures_total",
		Help:      "Screenshot capture attempts by status",
	}, []string{"status"})

	// CleanupDeleted tracks capture files removed by age-based cleanup (Counter - cumulative)
	CleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screen_relay",
		Subsystem: "worker",
		Name:      "cleanup_deleted_total",
		Help:      "Capture files removed by age-based cleanup",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
