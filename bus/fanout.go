package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/outbox-relay/errgroup"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrNoSenders is returned by NewFanout with nothing to fan out to.
var ErrNoSenders = errors.New("bus fanout needs at least one sender")

// Named pairs a transport with the name used in logs and spans.
type Named struct {
	Name   string
	Sender outbox.Sender
}

// Fanout sends every batch to all transports concurrently. The batch fails
// if any transport fails; transports that already accepted it will see it
// again on redelivery.
type Fanout struct {
	senders []Named
	logger  log.Logger
	tracer  trace.Tracer
}

var _ outbox.Sender = (*Fanout)(nil)

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithFanoutLogger sets the fanout logger.
func WithFanoutLogger(logger log.Logger) FanoutOption {
	return func(f *Fanout) {
		if !nilcheck.Interface(logger) {
			f.logger = logger
		}
	}
}

// WithFanoutTracer sets the fanout tracer.
func WithFanoutTracer(tracer trace.Tracer) FanoutOption {
	return func(f *Fanout) {
		if !nilcheck.Interface(tracer) {
			f.tracer = tracer
		}
	}
}

// NewFanout builds a Fanout. Entries with a nil sender are rejected.
func NewFanout(senders []Named, opts ...FanoutOption) (*Fanout, error) {
	if len(senders) == 0 {
		return nil, ErrNoSenders
	}

	for _, s := range senders {
		if nilcheck.Interface(s.Sender) {
			return nil, fmt.Errorf("%w: %q", ErrSenderRequired, s.Name)
		}
	}

	f := &Fanout{
		senders: append([]Named(nil), senders...),
		logger:  log.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("bus.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	return f, nil
}

// Send delivers events to every transport and returns the first failure.
func (f *Fanout) Send(ctx context.Context, events []outbox.Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := f.tracer.Start(ctx, "bus.send")
	defer span.End()

	span.SetAttributes(
		attribute.Int("bus.events", len(events)),
		attribute.Int("bus.transports", len(f.senders)),
	)

	if len(f.senders) == 1 {
		return f.sendOne(ctx, span, f.senders[0], events)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(f.logger)

	for _, s := range f.senders {
		group.Go(func() error {
			return f.sendOne(groupCtx, span, s, events)
		})
	}

	return group.Wait()
}

func (f *Fanout) sendOne(ctx context.Context, span trace.Span, s Named, events []outbox.Event) error {
	if err := s.Sender.Send(ctx, events); err != nil {
		opentelemetry.HandleSpanError(span, "bus send failed", err)
		f.logger.Log(ctx, log.LevelError, "bus send failed",
			log.String("bus", s.Name),
			log.Int("batch_size", len(events)),
			log.Err(err),
		)

		return fmt.Errorf("%s: %w", s.Name, err)
	}

	return nil
}
