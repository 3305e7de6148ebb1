// Package log defines the logging interface shared by every relay component
// and the typed fields attached to log events.
//
// The zap package provides the production implementation; NewNop is the
// fallback used whenever a component is constructed without a logger.
package log
