// Package opentelemetry wires OTLP trace and metric exporters for the relay
// and provides the span and propagation helpers its components share.
package opentelemetry
