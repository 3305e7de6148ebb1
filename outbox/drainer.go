package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/outbox-relay/errgroup"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// BacklogDrainer empties the outbox. Implemented by *Drainer.
type BacklogDrainer interface {
	DrainAll(ctx context.Context) (int, error)
}

// BacklogDrainerFunc adapts a function to BacklogDrainer.
type BacklogDrainerFunc func(ctx context.Context) (int, error)

// DrainAll calls f.
func (f BacklogDrainerFunc) DrainAll(ctx context.Context) (int, error) {
	return f(ctx)
}

// Drainer claims outbox batches from a Store and relays them to a Sender.
type Drainer struct {
	store   Store
	sender  Sender
	logger  log.Logger
	tracer  trace.Tracer
	cfg     DrainerConfig
	table   string
	metrics drainerMetrics
}

var _ BacklogDrainer = (*Drainer)(nil)

// NewDrainer builds a Drainer.
func NewDrainer(store Store, sender Sender, opts ...DrainerOption) (*Drainer, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(sender) {
		return nil, ErrSenderRequired
	}

	drainer := &Drainer{
		store:  store,
		sender: sender,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("outbox.noop"),
		cfg:    DefaultDrainerConfig(),
		table:  storeLabel(store),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(drainer)
		}
	}

	drainer.cfg.normalize()

	if _, err := ParseSchema(string(drainer.cfg.Schema)); err != nil {
		return nil, err
	}

	metrics, err := newDrainerMetrics(drainer.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	drainer.metrics = metrics

	return drainer, nil
}

// Config returns the effective configuration.
func (drainer *Drainer) Config() DrainerConfig {
	return drainer.cfg
}

// DrainOnce claims up to BatchSize of the oldest rows, sends them as one
// batch and deletes them only if the send succeeded. It returns the number
// of rows relayed; zero means the queue was empty when claimed.
func (drainer *Drainer) DrainOnce(ctx context.Context) (int, error) {
	if drainer == nil {
		return 0, ErrDrainerRequired
	}

	ctx, span := drainer.tracer.Start(ctx, "outbox.drain_once")
	defer span.End()

	start := time.Now()

	batch, err := drainer.store.Claim(ctx, drainer.cfg.BatchSize)
	if err != nil {
		if !errors.Is(err, ErrMalformedEntry) {
			err = fmt.Errorf("%w: %w", ErrClaimFailed, err)
		}

		drainer.logFailure(ctx, "outbox claim failed", 0, err)
		opentelemetry.HandleSpanError(span, "claim failed", err)

		return 0, err
	}

	// no-op once committed
	defer func() {
		if rbErr := batch.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			drainer.logger.Log(ctx, log.LevelWarn, "outbox rollback failed",
				log.String("table", drainer.table), log.Err(rbErr))
		}
	}()

	entries := batch.Entries()
	span.SetAttributes(attribute.Int("outbox.batch_size", len(entries)))

	if len(entries) == 0 {
		if err := batch.Commit(ctx); err != nil {
			err = fmt.Errorf("%w: %w", ErrCommitFailed, err)
			opentelemetry.HandleSpanError(span, "commit failed", err)

			return 0, err
		}

		drainer.logger.Log(ctx, log.LevelDebug, "outbox empty", log.String("table", drainer.table))

		return 0, nil
	}

	drainer.metrics.batchSize.Record(ctx, int64(len(entries)))

	events, err := ToEvents(entries, drainer.cfg.Schema)
	if err != nil {
		drainer.fail(ctx, span, "outbox entries malformed", len(entries), err)
		return 0, err
	}

	if err := drainer.sender.Send(ctx, events); err != nil {
		err = fmt.Errorf("%w: %w", ErrSendFailed, err)
		drainer.fail(ctx, span, "outbox drain send failed", len(entries), err)

		return 0, err
	}

	if err := batch.Commit(ctx); err != nil {
		// Events already reached the bus; the rows come back and are
		// redelivered with the same ids.
		err = fmt.Errorf("%w: %w", ErrCommitFailed, err)
		drainer.fail(ctx, span, "outbox commit failed", len(entries), err)

		return 0, err
	}

	drainer.metrics.eventsRelayed.Add(ctx, int64(len(entries)))
	drainer.metrics.drainLatency.Record(ctx, time.Since(start).Seconds())

	drainer.logger.Log(ctx, log.LevelInfo, "outbox drained",
		log.String("table", drainer.table),
		log.Int("count", len(entries)),
	)

	return len(entries), nil
}

func (drainer *Drainer) fail(ctx context.Context, span trace.Span, msg string, attempted int, err error) {
	drainer.metrics.eventsFailed.Add(ctx, int64(attempted),
		metric.WithAttributes(attribute.Bool("retryable", IsRetryable(err))))
	drainer.logFailure(ctx, msg, attempted, err)
	opentelemetry.HandleSpanError(span, msg, err)
}

func (drainer *Drainer) logFailure(ctx context.Context, msg string, attempted int, err error) {
	drainer.logger.Log(ctx, log.LevelError, msg,
		log.String("table", drainer.table),
		log.Int("batch_size", drainer.cfg.BatchSize),
		log.Int("claimed", attempted),
		log.Bool("retryable", IsRetryable(err)),
		log.Err(err),
	)
}

// DrainAll repeats DrainOnce until a drain returns zero and reports the
// total relayed. It stops at the first error, leaving the remaining backlog
// queued, and returns the partial total with that error.
//
// With Concurrency above one, that many loops run at once; skip-locked
// claims keep their batches disjoint. The first error or empty claim in any
// loop stops all of them.
func (drainer *Drainer) DrainAll(ctx context.Context) (int, error) {
	if drainer == nil {
		return 0, ErrDrainerRequired
	}

	ctx, span := drainer.tracer.Start(ctx, "outbox.drain_all")
	defer span.End()

	var (
		total int
		err   error
	)

	if drainer.cfg.Concurrency == 1 {
		total, err = drainer.drainLoop(ctx, nil)
	} else {
		total, err = drainer.drainConcurrently(ctx)
	}

	span.SetAttributes(attribute.Int("outbox.relayed", total))

	if err != nil {
		opentelemetry.HandleSpanError(span, "drain all failed", err)
		return total, err
	}

	if total > 0 {
		drainer.logger.Log(ctx, log.LevelInfo, "outbox backlog drained",
			log.String("table", drainer.table), log.Int("count", total))
	}

	return total, nil
}

func (drainer *Drainer) drainLoop(ctx context.Context, stop *atomic.Bool) (int, error) {
	total := 0

	for {
		if stop != nil && stop.Load() {
			return total, nil
		}

		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("drain interrupted: %w", err)
		}

		n, err := drainer.DrainOnce(ctx)
		if err != nil {
			return total, err
		}

		if n == 0 {
			// The backlog is empty; sibling loops stop after their current batch.
			if stop != nil {
				stop.Store(true)
			}

			return total, nil
		}

		total += n
	}
}

func (drainer *Drainer) drainConcurrently(ctx context.Context) (int, error) {
	var (
		group errgroup.Group
		stop  atomic.Bool
		mu    sync.Mutex
		total int
	)

	group.SetLogger(drainer.logger)

	for range drainer.cfg.Concurrency {
		group.Go(func() error {
			n, err := drainer.drainLoop(ctx, &stop)

			mu.Lock()
			total += n
			mu.Unlock()

			if err != nil {
				stop.Store(true)
			}

			return err
		})
	}

	err := group.Wait()

	return total, err
}
