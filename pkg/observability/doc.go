// Package observability provides structured logging, Prometheus metrics,
// and optional OpenTelemetry tracing for the login flow.
//
// The Logger wraps log/slog with a JSON handler and context plumbing so
// that every log line produced while handling a request carries the
// request id and tracked session id. Operator-facing diagnostic detail
// belongs here; end users only ever receive generic error messages.
//
// Metrics cover login outcomes, phase transitions, claim rejections and
// state store latency. They are registered on a caller-supplied
// Prometheus registry and served from the health port.
package observability
