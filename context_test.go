//go:build unit

package relay

import (
	"context"
	"testing"

	"github.com/LerianStudio/outbox-relay/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContext_Defaults(t *testing.T) {
	t.Parallel()

	logger, tracer, requestID := NewTrackingFromContext(context.Background())

	assert.NotNil(t, logger)
	assert.NotNil(t, tracer)

	_, err := uuid.Parse(requestID)
	require.NoError(t, err)
}

func TestNewTrackingFromContext_CarriedValues(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithRequestID(ctx, "req-1")

	gotLogger, gotTracer, gotID := NewTrackingFromContext(ctx)

	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "req-1", gotID)
}

func TestContextWithLogger_DoesNotLeakToParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithRequestID(context.Background(), "parent")
	child := ContextWithRequestID(parent, "child")

	_, _, parentID := NewTrackingFromContext(parent)
	_, _, childID := NewTrackingFromContext(child)

	assert.Equal(t, "parent", parentID)
	assert.Equal(t, "child", childID)
}
