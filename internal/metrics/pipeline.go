package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters. All metrics are low-cardinality: topic class, drop
// reason and provider labels only, never camera_id.

var (
	// MessagesReceived counts messages taken off the bus by topic class.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_messages_received_total",
			Help: "Total MQTT messages received by topic class",
		},
		[]string{"topic"},
	)

	// MessagesDropped counts messages discarded before handling.
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_messages_dropped_total",
			Help: "Total messages dropped (malformed payload or topic)",
		},
		[]string{"reason"},
	)

	// FrameRequestsSent counts frame request publishes.
	FrameRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axis_frame_requests_sent_total",
			Help: "Total frame requests published to cameras",
		},
	)

	// AnalysesTriggered counts analyses handed to the dispatcher. Counted at
	// dispatch, not at persistence, so failures show up as a gap against
	// AnalysesCompleted.
	AnalysesTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axis_analyses_triggered_total",
			Help: "Total analyses dispatched to the AI provider pool",
		},
	)

	// AnalysesCompleted counts persisted analyses by provider.
	AnalysesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_analyses_completed_total",
			Help: "Total analyses persisted, by provider",
		},
		[]string{"provider"},
	)

	// AnalysesFailed counts provider errors and timeouts.
	AnalysesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axis_analyses_failed_total",
			Help: "Total failed analyses, by provider",
		},
		[]string{"provider"},
	)

	// AnalysisLatency tracks end-to-end provider call latency.
	AnalysisLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axis_analysis_latency_ms",
			Help:    "Analysis latency in milliseconds",
			Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"provider"},
	)

	// CorrelationMisses counts frames with no pending side-table entry
	// (expired, never issued, or already taken).
	CorrelationMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axis_correlation_misses_total",
			Help: "Frames received with no pending request entry",
		},
	)
)
