package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for chat turns, model rounds,
// tool calls, the admission gate and the HTTP surface.
type Metrics struct {
	// TurnCounter counts completed user-message turns.
	// Labels: status (success|max_rounds|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures a whole turn including tool calls.
	TurnDuration prometheus.Histogram

	// LLMRequestDuration measures one streamed model round in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model rounds.
	// Labels: provider, model, status (success|error|rate_limited)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|not_found|bad_arguments)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool round-trip including process spawn.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// CatalogProviderFailures counts providers skipped during catalog builds.
	// Labels: provider
	CatalogProviderFailures *prometheus.CounterVec

	// AdmissionInFlight is the number of turns holding an admission slot.
	AdmissionInFlight prometheus.Gauge

	// AdmissionWaiting is the number of turns blocked waiting for a slot.
	AdmissionWaiting prometheus.Gauge

	// ActiveConversations counts open WebSocket conversations.
	ActiveConversations prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolchat_turns_total",
				Help: "Total number of chat turns by outcome",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolchat_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolchat_llm_request_duration_seconds",
				Help:    "Duration of streamed model rounds in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolchat_llm_requests_total",
				Help: "Total number of model rounds by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolchat_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolchat_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolchat_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CatalogProviderFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolchat_catalog_provider_failures_total",
				Help: "Tool providers skipped while building a conversation catalog",
			},
			[]string{"provider"},
		),

		AdmissionInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolchat_admission_in_flight",
				Help: "Chat turns currently holding an admission slot",
			},
		),

		AdmissionWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolchat_admission_waiting",
				Help: "Chat turns waiting for an admission slot",
			},
		),

		ActiveConversations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolchat_active_conversations",
				Help: "Open streaming conversations",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolchat_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordTurn records the outcome and duration of a chat turn.
func (m *Metrics) RecordTurn(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordLLMRequest records one model round.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordCatalogFailure records a provider skipped during a catalog build.
func (m *Metrics) RecordCatalogFailure(provider string) {
	if m == nil {
		return
	}
	m.CatalogProviderFailures.WithLabelValues(provider).Inc()
}

// SetAdmission publishes the admission gate state.
func (m *Metrics) SetAdmission(inFlight, waiting int64) {
	if m == nil {
		return
	}
	m.AdmissionInFlight.Set(float64(inFlight))
	m.AdmissionWaiting.Set(float64(waiting))
}

// ConversationOpened increments the open conversation gauge.
func (m *Metrics) ConversationOpened() {
	if m == nil {
		return
	}
	m.ActiveConversations.Inc()
}

// ConversationClosed decrements the open conversation gauge.
func (m *Metrics) ConversationClosed() {
	if m == nil {
		return
	}
	m.ActiveConversations.Dec()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
