package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus series MIRA exposes on /metrics.
//
// The series cover the pipeline end to end: message appends, segment
// collapses, hybrid searches, memory persistence, batch transitions, LLM
// calls, tool executions and injection-defense outcomes.
type Metrics struct {
	// MessagesAppended counts continuum appends.
	// Labels: role (user|assistant|tool)
	MessagesAppended *prometheus.CounterVec

	// SegmentsCollapsed counts collapse outcomes.
	// Labels: outcome (summarized|tombstone|aborted)
	SegmentsCollapsed *prometheus.CounterVec

	// CollapseDuration measures the full collapse sequence in seconds.
	CollapseDuration prometheus.Histogram

	// HybridSearches counts LT-Memory searches by intent.
	HybridSearches *prometheus.CounterVec

	// SearchDuration measures hybrid search latency in seconds.
	SearchDuration prometheus.Histogram

	// MemoriesStored counts memories persisted via the vector layer.
	// Labels: source (extraction|tool|consolidation|refinement)
	MemoriesStored *prometheus.CounterVec

	// BatchTransitions counts batch state transitions.
	// Labels: kind, state
	BatchTransitions *prometheus.CounterVec

	// LLMRequests counts provider calls.
	// Labels: provider (anthropic|openai_compat), model, status
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// InjectionOutcomes counts injection-defense decisions.
	// Labels: outcome (clean|rejected_pattern|rejected_llm|degraded)
	InjectionOutcomes *prometheus.CounterVec

	// ValkeyRetries counts hash-op retries after transient errors.
	ValkeyRetries prometheus.Counter

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures API latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all series on reg. Pass prometheus.DefaultRegisterer
// in production; tests use a fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_messages_appended_total",
				Help: "Messages appended to continuums by role",
			},
			[]string{"role"},
		),
		SegmentsCollapsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_segments_collapsed_total",
				Help: "Segment collapse outcomes",
			},
			[]string{"outcome"},
		),
		CollapseDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mira_collapse_duration_seconds",
				Help:    "Duration of the collapse sequence",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		HybridSearches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_hybrid_searches_total",
				Help: "LT-Memory hybrid searches by intent",
			},
			[]string{"intent"},
		),
		SearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mira_search_duration_seconds",
				Help:    "Hybrid search latency",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		MemoriesStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_memories_stored_total",
				Help: "Memories persisted by source",
			},
			[]string{"source"},
		),
		BatchTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_batch_transitions_total",
				Help: "Extraction and post-processing batch state transitions",
			},
			[]string{"kind", "state"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_llm_requests_total",
				Help: "LLM requests by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mira_llm_request_duration_seconds",
				Help:    "LLM request latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_tool_executions_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		InjectionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_injection_outcomes_total",
				Help: "Prompt-injection defense decisions",
			},
			[]string{"outcome"},
		),
		ValkeyRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mira_valkey_retries_total",
				Help: "Valkey hash-op retries after transient errors",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mira_http_requests_total",
				Help: "API requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mira_http_request_duration_seconds",
				Help:    "API request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// RecordLLMRequest records one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64) {
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string) {
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
