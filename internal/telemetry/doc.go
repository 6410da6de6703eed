// Package telemetry provides OpenTelemetry instrumentation for directord.
//
// It owns the TracerProvider and MeterProvider, exports over OTLP (gRPC or
// HTTP), and degrades gracefully: a collector that is down at startup marks
// the instance degraded and hands out no-op tracers instead of failing the
// daemon. Core packages obtain tracers and meters through the Telemetry
// instance injected at construction.
package telemetry
