package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/sony/gobreaker"
)

var (
	ErrSenderRequired = errors.New("bus sender is required")
	// ErrBreakerOpen is returned without calling the transport while the
	// breaker is open or probing.
	ErrBreakerOpen = errors.New("bus circuit breaker open")
)

// BreakerConfig tunes when the breaker trips.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultBreakerConfig suits a remote bus reached over the network.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// Breaker stops calling a failing transport for Timeout after it trips.
// Rejected sends fail like any other send, so the claimed batch is rolled
// back and retried later.
type Breaker struct {
	name    string
	next    outbox.Sender
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

var _ outbox.Sender = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(name string, next outbox.Sender, cfg BreakerConfig, logger log.Logger) (*Breaker, error) {
	if nilcheck.Interface(next) {
		return nil, ErrSenderRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	b := &Breaker{name: name, next: next, logger: logger}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.logger.Log(context.Background(), log.LevelWarn, "bus circuit breaker state changed",
				log.String("bus", b.name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	})

	return b, nil
}

// Send forwards events through the breaker.
func (b *Breaker) Send(ctx context.Context, events []outbox.Event) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.next.Send(ctx, events)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrBreakerOpen, b.name, err)
	}

	return err
}

// State reports closed, half-open or open.
func (b *Breaker) State() string {
	return b.breaker.State().String()
}
