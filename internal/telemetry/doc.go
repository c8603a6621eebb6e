// Package telemetry sets up OpenTelemetry tracing and metrics for plsd.
//
// New installs global tracer and meter providers exporting over OTLP (gRPC
// or HTTP). When disabled, or when an exporter cannot be created, callers
// get no-op instruments and the engine keeps running; Health reports the
// degraded state.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
