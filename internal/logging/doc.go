// Package logging provides structured, context-aware logging for directord.
//
// The Logger wraps zap with methods that extract correlation fields from
// context.Context: the active OpenTelemetry trace/span, the session being
// orchestrated, the workflow in flight, and the HTTP request id. When
// telemetry is enabled the zap core is teed into the OTLP log pipeline via
// the otelzap bridge, so the same entries reach both stdout and the
// collector.
//
// Services receive child loggers through Named:
//
//	busLogger := logger.Named("bus")
//	busLogger.Info(ctx, "message published", zap.String("message_id", id))
//
// Constructors across directord accept a *Logger and fall back to a nop
// logger when given nil, so library use never requires logging setup.
package logging
