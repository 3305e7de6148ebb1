package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const maxRecordedStackBytes = 4096

var (
	panicCounterOnce sync.Once
	panicCounter     metric.Int64Counter
)

func panicRecoveredCounter() metric.Int64Counter {
	panicCounterOnce.Do(func() {
		counter, err := otel.GetMeterProvider().Meter("outbox-relay.runtime").Int64Counter(
			"panic.recovered",
			metric.WithDescription("Number of recovered panics"),
			metric.WithUnit("{panic}"),
		)
		if err == nil {
			panicCounter = counter
		}
	})

	return panicCounter
}

func recordPanicMetric(ctx context.Context, component, name string) {
	counter := panicRecoveredCounter()
	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	))
}

func recordPanicToSpan(ctx context.Context, panicValue any, stack []byte, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	if len(stack) > maxRecordedStackBytes {
		stack = stack[:maxRecordedStackBytes]
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.value", fmt.Sprint(panicValue)),
		attribute.String("panic.stack", string(stack)),
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine_name", name),
	))
	span.SetStatus(codes.Error, "panic recovered")
}
