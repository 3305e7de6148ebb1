package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/outbox-relay/bus"
	"github.com/LerianStudio/outbox-relay/bus/inngest"
	"github.com/LerianStudio/outbox-relay/bus/kafka"
	"github.com/LerianStudio/outbox-relay/bus/nats"
	"github.com/LerianStudio/outbox-relay/bus/rabbitmq"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/outbox"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownDriver is returned for a BUS_DRIVER entry without a transport.
var ErrUnknownDriver = errors.New("unknown bus driver")

type transport struct {
	sender outbox.Sender
	close  func() error
}

type transportFactory func(cfg Config, logger log.Logger, tracer trace.Tracer) (transport, error)

var transports = map[string]transportFactory{
	DriverInngest: func(cfg Config, logger log.Logger, tracer trace.Tracer) (transport, error) {
		s, err := inngest.New(
			inngest.Config{BaseURL: cfg.InngestBaseURL, EventKey: cfg.InngestEventKey},
			inngest.WithLogger(logger),
			inngest.WithTracer(tracer),
		)
		if err != nil {
			return transport{}, err
		}

		return transport{sender: s}, nil
	},
	DriverRabbitMQ: func(cfg Config, logger log.Logger, tracer trace.Tracer) (transport, error) {
		s, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithTracer(tracer),
		)
		if err != nil {
			return transport{}, err
		}

		return transport{sender: s, close: s.Close}, nil
	},
	DriverKafka: func(cfg Config, _ log.Logger, tracer trace.Tracer) (transport, error) {
		s, err := kafka.New(kafka.Config{Brokers: cfg.Brokers(), Topic: cfg.KafkaTopic}, kafka.WithTracer(tracer))
		if err != nil {
			return transport{}, err
		}

		return transport{sender: s, close: s.Close}, nil
	},
	DriverNATS: func(cfg Config, _ log.Logger, tracer trace.Tracer) (transport, error) {
		s, err := nats.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, nats.WithTracer(tracer))
		if err != nil {
			return transport{}, err
		}

		return transport{sender: s, close: s.Close}, nil
	},
}

// Bus is the composed sender plus whatever it must close on shutdown.
type Bus struct {
	outbox.Sender
	closers []func() error
}

// Close releases every transport connection.
func (b *Bus) Close(_ context.Context) error {
	var errs []error

	for _, closeFn := range b.closers {
		errs = append(errs, closeFn())
	}

	return errors.Join(errs...)
}

// NewBus builds one transport per configured driver, wraps each in a
// circuit breaker when enabled and fans batches out to all of them.
func NewBus(cfg Config, logger log.Logger, tracer trace.Tracer) (*Bus, error) {
	b := &Bus{}

	var named []bus.Named

	for _, driver := range cfg.Drivers() {
		factory, ok := transports[driver]
		if !ok {
			_ = b.Close(context.Background())
			return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
		}

		t, err := factory(cfg, logger, tracer)
		if err != nil {
			_ = b.Close(context.Background())
			return nil, fmt.Errorf("build %s bus: %w", driver, err)
		}

		if t.close != nil {
			b.closers = append(b.closers, t.close)
		}

		sender := t.sender

		if cfg.BusBreakerEnabled {
			sender, err = bus.NewBreaker(driver, sender, bus.DefaultBreakerConfig(), logger)
			if err != nil {
				_ = b.Close(context.Background())
				return nil, err
			}
		}

		named = append(named, bus.Named{Name: driver, Sender: sender})
	}

	fanout, err := bus.NewFanout(named, bus.WithFanoutLogger(logger), bus.WithFanoutTracer(tracer))
	if err != nil {
		_ = b.Close(context.Background())
		return nil, err
	}

	b.Sender = fanout

	logger.Log(context.Background(), log.LevelInfo, "bus configured",
		log.Any("drivers", cfg.Drivers()),
		log.Bool("breaker", cfg.BusBreakerEnabled),
	)

	return b, nil
}
