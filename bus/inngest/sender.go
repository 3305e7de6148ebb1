package inngest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/backoff"
	"github.com/LerianStudio/outbox-relay/bus"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultBaseURL is the hosted event API.
	DefaultBaseURL = "https://inn.gs"

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultRetryBase  = 200 * time.Millisecond
	maxErrorBody      = 512
)

var (
	ErrEventKeyRequired = errors.New("inngest event key is required")
	ErrBaseURLInvalid   = errors.New("inngest base url is invalid")
	// ErrUnexpectedStatus wraps every non-2xx answer.
	ErrUnexpectedStatus = errors.New("inngest event api returned unexpected status")
)

// Config describes the event API endpoint.
type Config struct {
	BaseURL  string
	EventKey string

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxRetries is how many times a 429 or 5xx answer is retried.
	MaxRetries int
	RetryBase  time.Duration
}

func (cfg *Config) normalize() {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.client = client
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

// Sender posts batches to the event API.
type Sender struct {
	cfg      Config
	endpoint string
	client   *http.Client
	logger   log.Logger
	tracer   trace.Tracer
}

var _ outbox.Sender = (*Sender)(nil)

// New validates cfg and returns a Sender.
func New(cfg Config, opts ...Option) (*Sender, error) {
	if strings.TrimSpace(cfg.EventKey) == "" {
		return nil, ErrEventKeyRequired
	}

	cfg.normalize()

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBaseURLInvalid, cfg.BaseURL)
	}

	s := &Sender{
		cfg:      cfg,
		endpoint: base.JoinPath("e", cfg.EventKey).String(),
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   log.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("inngest.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

type response struct {
	IDs    []string `json:"ids"`
	Status int      `json:"status"`
	Error  string   `json:"error"`
}

// Send posts events as one batch. 429 and 5xx answers are retried with
// jittered exponential backoff; any other non-2xx fails immediately.
func (s *Sender) Send(ctx context.Context, events []outbox.Event) error {
	if len(events) == 0 {
		return nil
	}

	body, err := bus.EncodeBatch(events)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "bus.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("bus.driver", "inngest"),
		attribute.Int("bus.events", len(events)),
	)

	for attempt := 0; ; attempt++ {
		retry, err := s.post(ctx, body)
		if err == nil {
			return nil
		}

		if !retry || attempt >= s.cfg.MaxRetries {
			opentelemetry.HandleSpanError(span, "inngest send failed", err)
			return err
		}

		delay := backoff.ExponentialWithJitter(s.cfg.RetryBase, attempt)

		s.logger.Log(ctx, log.LevelWarn, "inngest send retry",
			log.Int("attempt", attempt+1),
			log.Duration("backoff", delay),
			log.Err(err),
		)

		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%w (last error: %w)", sleepErr, err)
		}
	}
}

func (s *Sender) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build inngest request: %w", err)
	}

	req.Header.Set("Content-Type", bus.ContentType)
	opentelemetry.InjectHTTPContext(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("post inngest events: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return false, nil
	}

	detail := strings.TrimSpace(string(raw))

	var parsed response
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		detail = parsed.Error
	}

	retry = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError

	return retry, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, detail)
}
