package listener

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type listenerMetrics struct {
	reconnects    metric.Int64Counter
	notifications metric.Int64Counter
}

func newListenerMetrics(provider metric.MeterProvider) (listenerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("outbox-relay.listener")

	var (
		metrics listenerMetrics
		err     error
	)

	metrics.reconnects, err = meter.Int64Counter(
		"listener.reconnects",
		metric.WithDescription("Number of failed connect or LISTEN attempts followed by a backoff"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return listenerMetrics{}, fmt.Errorf("create listener.reconnects counter: %w", err)
	}

	metrics.notifications, err = meter.Int64Counter(
		"listener.notifications",
		metric.WithDescription("Number of notifications received"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return listenerMetrics{}, fmt.Errorf("create listener.notifications counter: %w", err)
	}

	return metrics, nil
}
