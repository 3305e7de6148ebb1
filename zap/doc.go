// Package zap adapts go.uber.org/zap to the relay log.Logger interface.
//
// Entries emitted inside an active span carry trace_id and span_id, and every
// entry is teed to the OpenTelemetry logs bridge.
package zap
