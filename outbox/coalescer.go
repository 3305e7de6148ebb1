package outbox

import (
	"context"
	"sync"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/runtime"
)

// Coalescer turns a stream of drain requests into non-overlapping DrainAll
// passes. Requests arriving while a pass runs collapse into one follow-up
// pass, so none is lost and at most one pass is active at a time.
type Coalescer struct {
	drainer BacklogDrainer
	logger  log.Logger
	baseCtx context.Context

	mu         sync.Mutex
	inProgress bool
	pending    bool
	idle       chan struct{}
}

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*Coalescer)

// WithCoalescerLogger sets the logger for drain failures.
func WithCoalescerLogger(logger log.Logger) CoalescerOption {
	return func(c *Coalescer) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithBaseContext sets the context drain passes run under. Cancelling it
// stops the loop after the current pass.
func WithBaseContext(ctx context.Context) CoalescerOption {
	return func(c *Coalescer) {
		if ctx != nil {
			c.baseCtx = ctx
		}
	}
}

// NewCoalescer builds a Coalescer around drainer.
func NewCoalescer(drainer BacklogDrainer, opts ...CoalescerOption) (*Coalescer, error) {
	if nilcheck.Interface(drainer) {
		return nil, ErrDrainerRequired
	}

	c := &Coalescer{
		drainer: drainer,
		logger:  log.NewNop(),
		baseCtx: context.Background(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// ScheduleDrain requests a drain pass and returns immediately.
func (c *Coalescer) ScheduleDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inProgress {
		c.pending = true
		return
	}

	c.inProgress = true
	c.idle = make(chan struct{})

	runtime.SafeGoWithContextAndComponent(c.baseCtx, c.logger, "outbox", "coalescer_loop", runtime.KeepRunning, c.loop)
}

func (c *Coalescer) loop(ctx context.Context) {
	// Reset state even if DrainAll panics, or ScheduleDrain would only ever
	// set pending from then on.
	defer c.finish()

	for {
		count, err := c.drainer.DrainAll(ctx)
		if err != nil {
			c.logger.Log(ctx, log.LevelError, "notification drain failed", log.Err(err))
		} else {
			c.logger.Log(ctx, log.LevelDebug, "notification drain complete", log.Int("count", count))
		}

		c.mu.Lock()
		if !c.pending || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}

		c.pending = false
		c.mu.Unlock()
	}
}

func (c *Coalescer) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inProgress = false
	c.pending = false

	if c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

// Running reports whether a drain pass is active.
func (c *Coalescer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inProgress
}

// Wait blocks until no drain pass is running or ctx is done.
func (c *Coalescer) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	if idle == nil {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
