package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type drainerMetrics struct {
	eventsRelayed metric.Int64Counter
	eventsFailed  metric.Int64Counter
	drainLatency  metric.Float64Histogram
	batchSize     metric.Int64Histogram
}

func newDrainerMetrics(provider metric.MeterProvider) (drainerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("outbox-relay.outbox.drainer")

	var (
		metrics drainerMetrics
		err     error
	)

	metrics.eventsRelayed, err = meter.Int64Counter(
		"outbox.events.relayed",
		metric.WithDescription("Number of outbox events handed to the bus and deleted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return drainerMetrics{}, fmt.Errorf("create outbox.events.relayed counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of claimed outbox events returned to the queue after a failure"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return drainerMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.drainLatency, err = meter.Float64Histogram(
		"outbox.drain.latency",
		metric.WithDescription("Time taken by one claim-send-commit cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return drainerMetrics{}, fmt.Errorf("create outbox.drain.latency histogram: %w", err)
	}

	metrics.batchSize, err = meter.Int64Histogram(
		"outbox.batch.size",
		metric.WithDescription("Number of rows claimed per drain"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return drainerMetrics{}, fmt.Errorf("create outbox.batch.size histogram: %w", err)
	}

	return metrics, nil
}
