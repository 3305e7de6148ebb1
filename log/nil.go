package log

import "context"

// NopLogger discards every entry.
type NopLogger struct{}

// NewNop returns a logger that drops all events.
func NewNop() Logger {
	return &NopLogger{}
}

// Log drops the event.
func (l *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

// With returns the same logger.
//
//nolint:ireturn
func (l *NopLogger) With(_ ...Field) Logger {
	return l
}

// WithGroup returns the same logger.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(_ string) Logger {
	return l
}

// Enabled is always false.
func (l *NopLogger) Enabled(_ Level) bool {
	return false
}

// Sync is a no-op.
func (l *NopLogger) Sync(_ context.Context) error { return nil }
