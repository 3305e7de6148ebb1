package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/outbox-relay/bus"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultTopic receives every event.
const DefaultTopic = "events"

var (
	ErrBrokersRequired = errors.New("kafka brokers are required")
	ErrWriterRequired  = errors.New("kafka writer is required")
)

// Writer is the part of *kafka.Writer the sender drives.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config describes the target cluster and topic.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithTracer sets the sender tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sender) {
		if !nilcheck.Interface(tracer) {
			s.tracer = tracer
		}
	}
}

// Sender writes batches synchronously with acks from all in-sync replicas.
type Sender struct {
	writer Writer
	topic  string
	tracer trace.Tracer
}

var _ outbox.Sender = (*Sender)(nil)

// New builds a Sender over a new kafka.Writer.
func New(cfg Config, opts ...Option) (*Sender, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}

	return NewWithWriter(writer, cfg.Topic, opts...)
}

// NewWithWriter builds a Sender over w. The writer must already target
// topic; topic only labels spans.
func NewWithWriter(w Writer, topic string, opts ...Option) (*Sender, error) {
	if nilcheck.Interface(w) {
		return nil, ErrWriterRequired
	}

	s := &Sender{
		writer: w,
		topic:  topic,
		tracer: noop.NewTracerProvider().Tracer("kafka.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Send writes all events in one call; kafka-go fails the call when any
// message is not acknowledged.
func (s *Sender) Send(ctx context.Context, events []outbox.Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "bus.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("bus.driver", "kafka"),
		attribute.String("messaging.destination.name", s.topic),
		attribute.Int("bus.events", len(events)),
	)

	msgs := make([]kafkago.Message, 0, len(events))

	for _, event := range events {
		body, err := bus.Encode(event)
		if err != nil {
			opentelemetry.HandleSpanError(span, "kafka encode failed", err)
			return err
		}

		msgs = append(msgs, kafkago.Message{
			Key:     []byte(event.Name),
			Value:   body,
			Headers: toHeaders(bus.Headers(ctx, event)),
			Time:    event.CreatedAt,
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		opentelemetry.HandleSpanError(span, "kafka write failed", err)
		return fmt.Errorf("write kafka messages: %w", err)
	}

	return nil
}

// Close flushes and closes the writer.
func (s *Sender) Close() error {
	return s.writer.Close()
}

func toHeaders(headers map[string]string) []kafkago.Header {
	out := make([]kafkago.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafkago.Header{Key: k, Value: []byte(v)})
	}

	return out
}
