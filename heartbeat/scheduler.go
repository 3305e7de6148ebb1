package heartbeat

import (
	"context"
	"errors"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
)

// ErrIntervalRequired is returned by NewScheduler with a non-positive interval.
var ErrIntervalRequired = errors.New("heartbeat interval must be positive")

// Scheduler beats on a fixed interval, for deployments without an external
// cron hitting the heartbeat route. It runs one beat immediately.
type Scheduler struct {
	handler  *Handler
	interval time.Duration
	ctx      context.Context
}

var _ relay.App = (*Scheduler)(nil)

// NewScheduler returns a Scheduler that stops when ctx is done.
func NewScheduler(ctx context.Context, h *Handler, interval time.Duration) (*Scheduler, error) {
	if h == nil {
		return nil, ErrDrainerRequired
	}

	if interval <= 0 {
		return nil, ErrIntervalRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return &Scheduler{handler: h, interval: interval, ctx: ctx}, nil
}

// Run blocks until the scheduler context is done.
func (s *Scheduler) Run(l *relay.Launcher) error {
	ctx := s.ctx
	if l != nil && !nilcheck.Interface(l.Logger) {
		ctx = relay.ContextWithLogger(ctx, l.Logger)
	}

	logger := relay.NewLoggerFromContext(ctx)
	logger.Log(ctx, log.LevelInfo, "heartbeat scheduler started", log.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		// Errors are logged by Beat; the next tick retries.
		_, _ = s.handler.Beat(ctx)

		select {
		case <-ctx.Done():
			logger.Log(ctx, log.LevelInfo, "heartbeat scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
