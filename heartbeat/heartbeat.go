package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/listener"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/LerianStudio/outbox-relay/runtime"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultMaxDuration is the host's maximum execution time per invocation.
	DefaultMaxDuration = 800 * time.Second
	// DefaultListenFraction is the share of DefaultMaxDuration spent listening.
	DefaultListenFraction = 0.9
)

var (
	ErrDrainerRequired  = errors.New("heartbeat drainer is required")
	ErrListenerRequired = errors.New("heartbeat listener is required")
	ErrInvalidFraction  = errors.New("heartbeat listen fraction must be in (0, 1]")
)

// BackgroundListener runs a bounded listen-and-drain session.
type BackgroundListener interface {
	ListenAndDrain(ctx context.Context, window time.Duration) error
}

// Config sizes the background listen window.
type Config struct {
	MaxDuration    time.Duration
	ListenFraction float64
}

// Window returns MaxDuration scaled by ListenFraction.
func (cfg Config) Window() time.Duration {
	return time.Duration(float64(cfg.MaxDuration) * cfg.ListenFraction)
}

func (cfg *Config) normalize() error {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}

	if cfg.ListenFraction == 0 {
		cfg.ListenFraction = DefaultListenFraction
	}

	if cfg.ListenFraction < 0 || cfg.ListenFraction > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidFraction, cfg.ListenFraction)
	}

	return nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used by background listen sessions.
func WithLogger(logger log.Logger) Option {
	return func(h *Handler) {
		if !nilcheck.Interface(logger) {
			h.logger = logger
		}
	}
}

// WithBaseContext sets the context background listen sessions run under.
// Cancelling it ends them.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handler) {
		if ctx != nil {
			h.baseCtx = ctx
		}
	}
}

// Handler runs heartbeats.
type Handler struct {
	drainer  outbox.BacklogDrainer
	listener BackgroundListener
	cfg      Config
	logger   log.Logger
	baseCtx  context.Context

	// mu orders wg.Add against Wait; once closed no session starts.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a Handler.
func New(drainer outbox.BacklogDrainer, bg BackgroundListener, cfg Config, opts ...Option) (*Handler, error) {
	if nilcheck.Interface(drainer) {
		return nil, ErrDrainerRequired
	}

	if nilcheck.Interface(bg) {
		return nil, ErrListenerRequired
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	h := &Handler{
		drainer:  drainer,
		listener: bg,
		cfg:      cfg,
		logger:   log.NewNop(),
		baseCtx:  context.Background(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h, nil
}

// Window is how long each background listen session lasts.
func (h *Handler) Window() time.Duration {
	return h.cfg.Window()
}

// Beat drains the backlog. On success it starts a background listen
// session and returns the number of events relayed; on failure no session
// is started.
func (h *Handler) Beat(ctx context.Context) (int, error) {
	logger, tracer, requestID := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "heartbeat")
	defer span.End()

	span.SetAttributes(attribute.String("app.request.request_id", requestID))

	relayed, err := h.drainer.DrainAll(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "heartbeat drain failed", err)
		logger.Log(ctx, log.LevelError, "heartbeat drain failed",
			log.Int("relayed", relayed),
			log.Err(err),
		)

		return relayed, err
	}

	span.SetAttributes(attribute.Int("outbox.relayed", relayed))
	logger.Log(ctx, log.LevelInfo, "heartbeat drained", log.Int("relayed", relayed))

	h.listenInBackground(requestID)

	return relayed, nil
}

// listenInBackground detaches from the request: the session outlives it
// and ends with the window or the base context.
func (h *Handler) listenInBackground(requestID string) {
	window := h.cfg.Window()
	logger := h.logger.With(log.String("request_id", requestID))
	ctx := relay.ContextWithLogger(h.baseCtx, logger)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		logger.Log(ctx, log.LevelDebug, "heartbeat shutting down, background listen skipped")

		return
	}

	h.wg.Add(1)
	h.mu.Unlock()

	runtime.SafeGoWithContextAndComponent(ctx, logger, "heartbeat", "background_listen", runtime.KeepRunning,
		func(ctx context.Context) {
			defer h.wg.Done()

			err := h.listener.ListenAndDrain(ctx, window)

			switch {
			case err == nil:
			case errors.Is(err, listener.ErrAlreadyListening):
				logger.Log(ctx, log.LevelDebug, "listener already active")
			case errors.Is(err, context.Canceled):
				logger.Log(ctx, log.LevelInfo, "background listener cancelled")
			default:
				logger.Log(ctx, log.LevelError, "background listener failed", log.Err(err))
			}
		})
}

// Wait blocks until every background session started by Beat has ended
// or ctx is done. Beats after Wait still drain but start no session.
func (h *Handler) Wait(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})

	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background listeners: %w", ctx.Err())
	}
}
