package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus metrics.
//
// Tracked concerns:
//   - bus fan-out and per-subscriber mailbox drops
//   - conversation scheduler queue depth and turn outcomes
//   - LLM request latency
//   - tool invocation outcomes
//   - HTTP request latency by route and status
type Metrics struct {
	// BusEventsTotal counts events emitted on the bus.
	// Labels: type
	BusEventsTotal *prometheus.CounterVec

	// BusDroppedTotal counts events dropped from full subscriber mailboxes.
	// Labels: type, subscriber
	BusDroppedTotal *prometheus.CounterVec

	// QueueDepth is the current number of queued work items across session queues.
	QueueDepth prometheus.Gauge

	// TurnsTotal counts completed turns by outcome (committed|aborted|failed).
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures wall time per turn in seconds.
	TurnDuration prometheus.Histogram

	// LLMRequestDuration measures streamed LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolCallsTotal counts tool invocations.
	// Labels: tool, status (ok|error|denied|timeout|rejected)
	ToolCallsTotal *prometheus.CounterVec

	// MemoryIngestTotal counts ingest attempts by outcome (ok|skipped|error|dropped).
	MemoryIngestTotal *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, route, status
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the given registry.
// Passing nil uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		BusEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_bus_events_total",
			Help: "Events emitted on the internal bus.",
		}, []string{"type"}),
		BusDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_bus_dropped_total",
			Help: "Events dropped from full subscriber mailboxes.",
		}, []string{"type", "subscriber"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "promethea_scheduler_queue_depth",
			Help: "Total queued work items across session queues.",
		}),
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_turns_total",
			Help: "Completed turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "promethea_turn_duration_seconds",
			Help:    "Wall time per turn.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		LLMRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promethea_llm_request_duration_seconds",
			Help:    "Streamed LLM call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ToolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_tool_calls_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool", "status"}),
		MemoryIngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promethea_memory_ingest_total",
			Help: "Memory ingest attempts by outcome.",
		}, []string{"outcome"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promethea_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status"}),
	}
}
