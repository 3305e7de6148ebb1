package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/bus"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultConfirmTimeout bounds the wait for each broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second
	// DefaultExchange receives every event, routed by event name.
	DefaultExchange = "events"

	confirmChannelBuffer = 256
)

var (
	ErrChannelRequired        = errors.New("amqp channel is required")
	ErrURLRequired            = errors.New("amqp url is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrSenderClosed           = errors.New("amqp sender is closed")
)

// Channel is the part of *amqp.Channel the sender drives.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Option configures a Sender.
type Option func(*Sender)

// WithConfirmTimeout sets how long to wait for each confirmation.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(s *Sender) {
		if timeout > 0 {
			s.confirmTimeout = timeout
		}
	}
}

// WithLogger sets the sender logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Sender) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithTracer sets the sender tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sender) {
		if !nilcheck.Interface(tracer) {
			s.tracer = tracer
		}
	}
}

// Sender publishes to one exchange. Sends are serialized so confirmations
// arrive in publish order.
type Sender struct {
	exchange       string
	confirmTimeout time.Duration
	logger         log.Logger
	tracer         trace.Tracer

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	conn     *amqp.Connection
	closed   bool
}

var _ outbox.Sender = (*Sender)(nil)

// Dial connects to url, declares exchange as a durable topic exchange and
// returns a Sender owning the connection.
func Dial(url, exchange string, opts ...Option) (*Sender, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrURLRequired
	}

	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	s, err := NewFromChannel(ch, exchange, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.conn = conn

	return s, nil
}

// NewFromChannel puts ch in confirm mode and returns a Sender on it.
func NewFromChannel(ch Channel, exchange string, opts ...Option) (*Sender, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		exchange = DefaultExchange
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	s := &Sender{
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("rabbitmq.noop"),
		ch:             ch,
		confirms:       confirms,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Send publishes each event with the event name as routing key, then waits
// for every confirmation.
func (s *Sender) Send(ctx context.Context, events []outbox.Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "bus.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("bus.driver", "rabbitmq"),
		attribute.String("messaging.destination.name", s.exchange),
		attribute.Int("bus.events", len(events)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}

	published := 0

	for _, event := range events {
		body, err := bus.Encode(event)
		if err != nil {
			return s.abort(span, published, err)
		}

		msg := amqp.Publishing{
			ContentType:  bus.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Type:         event.Name,
			Timestamp:    event.CreatedAt,
			Headers:      toTable(bus.Headers(ctx, event)),
			Body:         body,
		}

		if err := s.ch.PublishWithContext(ctx, s.exchange, event.Name, false, false, msg); err != nil {
			return s.abort(span, published, fmt.Errorf("publish %s: %w", event.ID, err))
		}

		published++
	}

	for i := 0; i < published; i++ {
		if err := s.waitForConfirm(ctx); err != nil {
			owed := published - i
			if errors.Is(err, ErrPublishNacked) {
				owed--
			}

			return s.abort(span, owed, err)
		}
	}

	return nil
}

// abort drains confirmations still owed for this batch so the next Send
// starts aligned, then returns err.
func (s *Sender) abort(span trace.Span, owed int, err error) error {
	opentelemetry.HandleSpanError(span, "rabbitmq send failed", err)

	for ; owed > 0; owed-- {
		select {
		case <-s.confirms:
		case <-time.After(s.confirmTimeout):
			s.logger.Log(context.Background(), log.LevelWarn, "rabbitmq confirmations left pending", log.Int("owed", owed))
			return err
		}
	}

	return err
}

func (s *Sender) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(s.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-s.confirms:
		if !ok {
			return ErrSenderClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close closes the channel and, when Dial opened it, the connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close amqp channel: %w", err))
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close amqp connection: %w", err))
		}
	}

	return errors.Join(errs...)
}

func toTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	return table
}
