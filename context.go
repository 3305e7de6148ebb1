package relay

import (
	"context"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingKey struct{}

// tracking holds the request-scoped facilities carried through a context.
type tracking struct {
	logger    log.Logger
	tracer    trace.Tracer
	requestID string
}

func trackingFrom(ctx context.Context) tracking {
	if ctx == nil {
		return tracking{}
	}

	t, _ := ctx.Value(trackingKey{}).(tracking)

	return t
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	t := trackingFrom(ctx)
	t.logger = logger

	return context.WithValue(ctx, trackingKey{}, t)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	t := trackingFrom(ctx)
	t.tracer = tracer

	return context.WithValue(ctx, trackingKey{}, t)
}

// ContextWithRequestID returns a copy of ctx carrying a correlation id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	t := trackingFrom(ctx)
	t.requestID = requestID

	return context.WithValue(ctx, trackingKey{}, t)
}

// NewLoggerFromContext returns the logger carried by ctx or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if logger := trackingFrom(ctx).logger; !nilcheck.Interface(logger) {
		return logger
	}

	return log.NewNop()
}

// NewTrackingFromContext returns the logger, tracer and request id carried by
// ctx. Missing parts fall back to a no-op logger, the global tracer and a
// fresh UUID.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	t := trackingFrom(ctx)

	tracer := t.tracer
	if nilcheck.Interface(tracer) {
		tracer = otel.Tracer("outbox-relay")
	}

	requestID := t.requestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return NewLoggerFromContext(ctx), tracer, requestID
}
