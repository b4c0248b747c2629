// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the toolchat service.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts API keys and
// bearer tokens from string attributes before they are written:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	slog.SetDefault(logger)
//
// # Metrics
//
// Metrics are registered against a caller-supplied prometheus.Registerer so
// tests can use an isolated registry. All recording methods are safe on a
// nil *Metrics.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("get_weather", "success", 0.4)
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global no-op provider otherwise.
package observability
