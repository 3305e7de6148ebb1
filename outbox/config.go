package outbox

import (
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 1
)

// DrainerConfig controls claim size, parallelism and event mapping.
type DrainerConfig struct {
	// BatchSize is the max number of rows claimed per DrainOnce.
	BatchSize int
	// Concurrency is the number of drain loops DrainAll runs at once.
	Concurrency int
	// Schema selects how rows map to events.
	Schema Schema
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDrainerConfig returns the baseline drainer configuration.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		BatchSize:   defaultBatchSize,
		Concurrency: defaultConcurrency,
		Schema:      SchemaPayload,
	}
}

func (cfg *DrainerConfig) normalize() {
	defaults := DefaultDrainerConfig()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.Schema == "" {
		cfg.Schema = defaults.Schema
	}
}

// DrainerOption mutates drainer configuration at construction.
type DrainerOption func(*Drainer)

// WithBatchSize sets the max rows claimed per drain.
func WithBatchSize(size int) DrainerOption {
	return func(drainer *Drainer) {
		if size > 0 {
			drainer.cfg.BatchSize = size
		}
	}
}

// WithConcurrency sets how many drain loops DrainAll runs in parallel.
func WithConcurrency(n int) DrainerOption {
	return func(drainer *Drainer) {
		if n > 0 {
			drainer.cfg.Concurrency = n
		}
	}
}

// WithSchema selects the row-to-event mapping.
func WithSchema(schema Schema) DrainerOption {
	return func(drainer *Drainer) {
		drainer.cfg.Schema = schema
	}
}

// WithLogger sets the drainer logger.
func WithLogger(logger log.Logger) DrainerOption {
	return func(drainer *Drainer) {
		if !nilcheck.Interface(logger) {
			drainer.logger = logger
		}
	}
}

// WithTracer sets the drainer tracer.
func WithTracer(tracer trace.Tracer) DrainerOption {
	return func(drainer *Drainer) {
		if !nilcheck.Interface(tracer) {
			drainer.tracer = tracer
		}
	}
}

// WithMeterProvider sets the provider used for drainer metrics.
func WithMeterProvider(provider metric.MeterProvider) DrainerOption {
	return func(drainer *Drainer) {
		drainer.cfg.MeterProvider = provider
	}
}
