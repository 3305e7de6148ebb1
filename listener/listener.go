package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/outbox-relay/backoff"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultChannel is the notification channel written by the outbox trigger.
	DefaultChannel = "events"

	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	closeTimeout       = 5 * time.Second
)

var (
	ErrConnectorRequired = errors.New("listener connector is required")
	ErrSchedulerRequired = errors.New("listener scheduler is required")
	ErrStateRequired     = errors.New("listener state is required")
	// ErrLeaseLost ends ListenAndDrain early when the cross-process lease
	// could not be extended.
	ErrLeaseLost = errors.New("listener lease lost")

	errWindowElapsed = errors.New("listen window elapsed")
)

// Option configures a Listener.
type Option func(*Listener)

// WithChannel sets the channel to LISTEN on.
func WithChannel(channel string) Option {
	return func(l *Listener) {
		if channel != "" {
			l.channel = channel
		}
	}
}

// WithBackoff sets the reconnect schedule.
func WithBackoff(policy backoff.Policy) Option {
	return func(l *Listener) {
		if policy.Base > 0 {
			l.backoff.Base = policy.Base
		}

		if policy.Max > 0 {
			l.backoff.Max = policy.Max
		}
	}
}

// WithLease makes ListenAndDrain hold key in lease for its whole window,
// extending it every refresh. Without a lease only the State applies.
func WithLease(lease Lease, key string, refresh time.Duration) Option {
	return func(l *Listener) {
		if nilcheck.Interface(lease) || key == "" {
			return
		}

		l.lease = lease
		l.leaseKey = key

		if refresh > 0 {
			l.leaseRefresh = refresh
		}
	}
}

// WithLogger sets the listener logger.
func WithLogger(logger log.Logger) Option {
	return func(l *Listener) {
		if !nilcheck.Interface(logger) {
			l.logger = logger
		}
	}
}

// WithTracer sets the listener tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Listener) {
		if !nilcheck.Interface(tracer) {
			l.tracer = tracer
		}
	}
}

// WithMeterProvider sets the provider for listener metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(l *Listener) {
		if !nilcheck.Interface(provider) {
			l.meterProvider = provider
		}
	}
}

// Listener subscribes to outbox notifications and forwards them to a
// Scheduler.
type Listener struct {
	connector Connector
	scheduler Scheduler
	state     *State

	channel      string
	backoff      backoff.Policy
	lease        Lease
	leaseKey     string
	leaseRefresh time.Duration

	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       listenerMetrics
}

// New builds a Listener. state is shared by every Listener that must not
// run at the same time.
func New(connector Connector, scheduler Scheduler, state *State, opts ...Option) (*Listener, error) {
	if nilcheck.Interface(connector) {
		return nil, ErrConnectorRequired
	}

	if nilcheck.Interface(scheduler) {
		return nil, ErrSchedulerRequired
	}

	if state == nil {
		return nil, ErrStateRequired
	}

	l := &Listener{
		connector:    connector,
		scheduler:    scheduler,
		state:        state,
		channel:      DefaultChannel,
		backoff:      backoff.Policy{Base: defaultBackoffBase, Max: defaultBackoffMax},
		leaseRefresh: 10 * time.Second,
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("listener.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	metrics, err := newListenerMetrics(l.meterProvider)
	if err != nil {
		return nil, err
	}

	l.metrics = metrics

	return l, nil
}

// ListenAndDrain listens until window elapses. It returns nil when the
// window ends or when the lease is held by another process,
// ErrAlreadyListening when the State is taken, and the cancellation cause
// when ctx ends first.
func (l *Listener) ListenAndDrain(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		return nil
	}

	if !l.state.acquire() {
		return ErrAlreadyListening
	}
	defer l.state.release()

	windowCtx, cancelWindow := context.WithTimeoutCause(ctx, window, errWindowElapsed)
	defer cancelWindow()

	runCtx, cancelRun := context.WithCancelCause(windowCtx)
	defer cancelRun(nil)

	runCtx, span := l.tracer.Start(runCtx, "listener.listen_and_drain")
	defer span.End()

	span.SetAttributes(
		attribute.String("listener.channel", l.channel),
		attribute.Int64("listener.window_ms", window.Milliseconds()),
	)

	if l.lease != nil {
		release, held := l.acquireLease(runCtx, cancelRun)
		if !held {
			return nil
		}
		defer release()
	}

	l.run(runCtx)

	cause := context.Cause(runCtx)
	if cause == nil || errors.Is(cause, errWindowElapsed) {
		l.logger.Log(ctx, log.LevelDebug, "listener window elapsed", log.String("channel", l.channel))
		return nil
	}

	opentelemetry.HandleSpanError(span, "listener stopped early", cause)

	return cause
}

// acquireLease returns held=false when another process owns the lease.
// Lease errors are logged and listening proceeds without it.
func (l *Listener) acquireLease(ctx context.Context, cancel context.CancelCauseFunc) (func(), bool) {
	handle, ok, err := l.lease.TryLock(ctx, l.leaseKey)
	if err != nil {
		l.logger.Log(ctx, log.LevelWarn, "listener lease unavailable, listening without it", log.Err(err))
		return func() {}, true
	}

	if !ok {
		l.logger.Log(ctx, log.LevelInfo, "listener lease held by another process", log.String("lease_key", l.leaseKey))
		return nil, false
	}

	done := make(chan struct{})
	stopped := make(chan struct{})

	runtime.SafeGoWithContextAndComponent(ctx, l.logger, "listener", "lease_keeper", runtime.KeepRunning, func(ctx context.Context) {
		defer close(stopped)

		ticker := time.NewTicker(l.leaseRefresh)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := handle.Extend(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}

					l.logger.Log(ctx, log.LevelError, "listener lease extend failed", log.Err(err))
					cancel(fmt.Errorf("%w: %w", ErrLeaseLost, err))

					return
				}
			}
		}
	})

	return func() {
		close(done)
		<-stopped

		unlockCtx, cancelUnlock := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancelUnlock()

		if err := handle.Unlock(unlockCtx); err != nil {
			l.logger.Log(ctx, log.LevelWarn, "listener lease release failed", log.Err(err))
		}
	}, true
}

func (l *Listener) run(ctx context.Context) {
	attempt := 0
	sessions := 0

	for ctx.Err() == nil {
		conn, err := l.connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			attempt++
			l.retry(ctx, "listener connect retry", attempt, err)

			continue
		}

		listened, err := l.session(ctx, conn, sessions > 0)
		if listened {
			attempt = 0
			sessions++
		}

		if err == nil || ctx.Err() != nil {
			continue
		}

		if !listened {
			attempt++
			l.retry(ctx, "listener setup retry", attempt, err)

			continue
		}

		// A server that drops us right after LISTEN must not spin the loop.
		l.retry(ctx, "listener connection ended", 0, err)
	}
}

func (l *Listener) retry(ctx context.Context, msg string, attempt int, err error) {
	delay := l.backoff.Delay(attempt)

	l.metrics.reconnects.Add(ctx, 1)
	l.logger.Log(ctx, log.LevelWarn, msg,
		log.Int("attempt", attempt),
		log.Duration("backoff", delay),
		log.Err(err),
	)

	_ = backoff.SleepWithContext(ctx, delay)
}

// session subscribes conn and forwards notifications until conn fails or
// ctx ends. conn is always closed. listened reports whether LISTEN
// succeeded. After a reconnect a catch-up drain covers rows written while
// no connection was subscribed.
func (l *Listener) session(ctx context.Context, conn Conn, reconnected bool) (listened bool, err error) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()

		if cerr := conn.Close(closeCtx); cerr != nil {
			l.logger.Log(ctx, log.LevelWarn, "listener client close failed", log.Err(cerr))
		}
	}()

	if err := conn.Listen(ctx, l.channel); err != nil {
		return false, err
	}

	remaining := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}

	l.logger.Log(ctx, log.LevelInfo, "listener started",
		log.String("channel", l.channel),
		log.Duration("remaining", remaining),
	)

	if reconnected {
		l.scheduler.ScheduleDrain()
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Log(ctx, log.LevelInfo, "listener stopped", log.String("channel", l.channel))
				return true, nil
			}

			return true, fmt.Errorf("wait for notification: %w", err)
		}

		l.metrics.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", n.Channel)))
		l.logger.Log(ctx, log.LevelDebug, "outbox notification received", log.String("payload", n.Payload))

		l.scheduler.ScheduleDrain()
	}
}
