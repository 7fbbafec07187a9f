// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the submission pipeline.
package observability
