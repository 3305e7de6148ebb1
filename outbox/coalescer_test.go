//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedDrainer blocks each DrainAll until released and tracks overlap.
type gatedDrainer struct {
	gate    chan struct{}
	started chan struct{}
	calls   atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
	err     error
	panics  bool
}

func newGatedDrainer() *gatedDrainer {
	return &gatedDrainer{gate: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (d *gatedDrainer) DrainAll(ctx context.Context) (int, error) {
	if d.active.Add(1) > 1 {
		d.overlap.Store(true)
	}
	defer d.active.Add(-1)

	d.calls.Add(1)
	d.started <- struct{}{}

	if d.panics {
		panic("drain exploded")
	}

	select {
	case <-d.gate:
	case <-ctx.Done():
	}

	return 1, d.err
}

func waitStarted(t *testing.T, d *gatedDrainer) {
	t.Helper()

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("drain pass did not start")
	}
}

func waitIdle(t *testing.T, c *Coalescer) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Wait(ctx))
}

func TestNewCoalescer_RequiresDrainer(t *testing.T) {
	t.Parallel()

	_, err := NewCoalescer(nil)
	assert.ErrorIs(t, err, ErrDrainerRequired)
}

func TestCoalescer_SingleRequestRunsOnePass(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()
	close(drainer.gate)

	c, err := NewCoalescer(drainer)
	require.NoError(t, err)

	c.ScheduleDrain()
	waitStarted(t, drainer)
	waitIdle(t, c)

	assert.Equal(t, int32(1), drainer.calls.Load())
	assert.False(t, c.Running())
}

func TestCoalescer_BurstCollapsesIntoOneFollowUp(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()

	c, err := NewCoalescer(drainer)
	require.NoError(t, err)

	c.ScheduleDrain()
	waitStarted(t, drainer)

	for range 50 {
		c.ScheduleDrain()
	}

	close(drainer.gate)
	waitIdle(t, c)

	assert.Equal(t, int32(2), drainer.calls.Load(), "first pass plus one coalesced pass")
	assert.False(t, drainer.overlap.Load(), "passes never overlap")
}

func TestCoalescer_ConcurrentSchedulersNeverOverlap(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()
	close(drainer.gate)

	c, err := NewCoalescer(drainer)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 32 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			c.ScheduleDrain()
		}()
	}

	wg.Wait()

	go func() {
		for range drainer.started {
		}
	}()

	waitIdle(t, c)

	assert.False(t, drainer.overlap.Load())
	assert.GreaterOrEqual(t, drainer.calls.Load(), int32(1))
}

func TestCoalescer_RequestAfterIdleStartsNewPass(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()
	close(drainer.gate)

	c, err := NewCoalescer(drainer)
	require.NoError(t, err)

	c.ScheduleDrain()
	waitStarted(t, drainer)
	waitIdle(t, c)

	c.ScheduleDrain()
	waitStarted(t, drainer)
	waitIdle(t, c)

	assert.Equal(t, int32(2), drainer.calls.Load())
}

func TestCoalescer_DrainErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()
	drainer.err = errors.New("bus down")

	c, err := NewCoalescer(drainer)
	require.NoError(t, err)

	c.ScheduleDrain()
	waitStarted(t, drainer)
	c.ScheduleDrain()
	close(drainer.gate)
	waitIdle(t, c)

	assert.Equal(t, int32(2), drainer.calls.Load(), "pending pass runs after a failed pass")
}

func TestCoalescer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()
	drainer.panics = true

	c, err := NewCoalescer(drainer)
	require.NoError(t, err)

	c.ScheduleDrain()
	waitStarted(t, drainer)
	waitIdle(t, c)

	assert.False(t, c.Running(), "state resets after a panic")
}

func TestCoalescer_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()

	c, err := NewCoalescer(drainer)
	require.NoError(t, err)

	c.ScheduleDrain()
	waitStarted(t, drainer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(drainer.gate)
	waitIdle(t, c)
}

func TestCoalescer_BaseContextCancelStopsLoop(t *testing.T) {
	t.Parallel()

	drainer := newGatedDrainer()
	ctx, cancel := context.WithCancel(context.Background())

	c, err := NewCoalescer(drainer, WithBaseContext(ctx))
	require.NoError(t, err)

	c.ScheduleDrain()
	waitStarted(t, drainer)
	c.ScheduleDrain()
	cancel()
	waitIdle(t, c)

	assert.Equal(t, int32(1), drainer.calls.Load(), "pending pass dropped once cancelled")
}
