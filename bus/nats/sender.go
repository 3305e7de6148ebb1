package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/outbox-relay/bus"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "events"

var (
	ErrURLRequired       = errors.New("nats url is required")
	ErrPublisherRequired = errors.New("nats publisher is required")
)

// Publisher is the part of *nats.Conn the sender drives.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
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

// Sender publishes to "<prefix>.<event name>".
type Sender struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
	tracer trace.Tracer
}

var _ outbox.Sender = (*Sender)(nil)

// Connect dials url and returns a Sender owning the connection.
func Connect(url, prefix string, opts ...Option) (*Sender, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrURLRequired
	}

	conn, err := nats.Connect(url, nats.Name("outbox-relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	s, err := New(conn, prefix, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s.conn = conn

	return s, nil
}

// New builds a Sender over pub.
func New(pub Publisher, prefix string, opts ...Option) (*Sender, error) {
	if nilcheck.Interface(pub) {
		return nil, ErrPublisherRequired
	}

	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	s := &Sender{
		pub:    pub,
		prefix: prefix,
		tracer: noop.NewTracerProvider().Tracer("nats.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Subject maps an event name to its subject. Slashes become token
// separators and whitespace, which subjects cannot hold, becomes "_".
func (s *Sender) Subject(name string) string {
	name = strings.ReplaceAll(name, "/", ".")
	name = strings.Join(strings.Fields(name), "_")

	return s.prefix + "." + name
}

// Send publishes every event, then flushes so a dropped connection fails
// the batch instead of losing it.
func (s *Sender) Send(ctx context.Context, events []outbox.Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "bus.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("bus.driver", "nats"),
		attribute.Int("bus.events", len(events)),
	)

	for _, event := range events {
		body, err := bus.Encode(event)
		if err != nil {
			opentelemetry.HandleSpanError(span, "nats encode failed", err)
			return err
		}

		msg := nats.NewMsg(s.Subject(event.Name))
		msg.Data = body
		msg.Header.Set(nats.MsgIdHdr, event.ID)

		for k, v := range bus.Headers(ctx, event) {
			msg.Header.Set(k, v)
		}

		if err := s.pub.PublishMsg(msg); err != nil {
			opentelemetry.HandleSpanError(span, "nats publish failed", err)
			return fmt.Errorf("publish %s: %w", event.ID, err)
		}
	}

	if err := s.pub.FlushWithContext(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "nats flush failed", err)
		return fmt.Errorf("flush nats: %w", err)
	}

	return nil
}

// Close drains the connection opened by Connect.
func (s *Sender) Close() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Drain()
}
