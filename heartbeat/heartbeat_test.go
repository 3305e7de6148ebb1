//go:build unit

package heartbeat

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/outbox-relay/listener"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/LerianStudio/outbox-relay/outbox/memory"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	mu      sync.Mutex
	windows []time.Duration
	err     error
	block   chan struct{}
	ctxErr  error
}

func (f *fakeListener) ListenAndDrain(ctx context.Context, window time.Duration) error {
	f.mu.Lock()
	f.windows = append(f.windows, window)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()

	return f.err
}

func (f *fakeListener) calls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]time.Duration(nil), f.windows...)
}

func drainerReturning(n int, err error) outbox.BacklogDrainer {
	return outbox.BacklogDrainerFunc(func(context.Context) (int, error) { return n, err })
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestConfig_Window(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.NoError(t, cfg.normalize())
	assert.Equal(t, 720*time.Second, cfg.Window())

	cfg = Config{MaxDuration: 60 * time.Second, ListenFraction: 0.5}
	require.NoError(t, cfg.normalize())
	assert.Equal(t, 30*time.Second, cfg.Window())

	cfg = Config{ListenFraction: 1.5}
	assert.ErrorIs(t, cfg.normalize(), ErrInvalidFraction)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &fakeListener{}, Config{})
	assert.ErrorIs(t, err, ErrDrainerRequired)

	_, err = New(drainerReturning(0, nil), nil, Config{})
	assert.ErrorIs(t, err, ErrListenerRequired)

	_, err = New(drainerReturning(0, nil), &fakeListener{}, Config{ListenFraction: -1})
	assert.ErrorIs(t, err, ErrInvalidFraction)
}

func TestHeartbeatRoute_SuccessStartsBackgroundListener(t *testing.T) {
	t.Parallel()

	bg := &fakeListener{}
	h, err := New(drainerReturning(3, nil), bg, Config{})
	require.NoError(t, err)

	app := fiber.New()
	RegisterRoutes(app, h, nil)

	status, body := get(t, app, "/api/heartbeat")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body)

	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, []time.Duration{720 * time.Second}, bg.calls())
}

func TestHeartbeatRoute_DrainFailureReturns500AndSkipsListener(t *testing.T) {
	t.Parallel()

	bg := &fakeListener{}
	h, err := New(drainerReturning(0, outbox.ErrSendFailed), bg, Config{})
	require.NoError(t, err)

	app := fiber.New()
	RegisterRoutes(app, h, nil)

	status, body := get(t, app, "/api/heartbeat")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "drain failed", body)

	require.NoError(t, h.Wait(context.Background()))
	assert.Empty(t, bg.calls())
}

func TestHeartbeatRoute_ListenerErrorsDoNotAffectResponse(t *testing.T) {
	t.Parallel()

	for _, listenErr := range []error{listener.ErrAlreadyListening, errors.New("db down"), context.Canceled} {
		bg := &fakeListener{err: listenErr}
		h, err := New(drainerReturning(0, nil), bg, Config{})
		require.NoError(t, err)

		app := fiber.New()
		RegisterRoutes(app, h, nil)

		status, body := get(t, app, "/api/heartbeat")
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "ok", body)
		require.NoError(t, h.Wait(context.Background()))
	}
}

func TestHeartbeat_BackgroundListenerOutlivesRequest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	bg := &fakeListener{block: release}

	h, err := New(drainerReturning(0, nil), bg, Config{})
	require.NoError(t, err)

	app := fiber.New()
	RegisterRoutes(app, h, nil)

	status, _ := get(t, app, "/api/heartbeat")
	require.Equal(t, fiber.StatusOK, status)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, h.Wait(waitCtx))

	close(release)
	require.NoError(t, h.Wait(context.Background()))

	bg.mu.Lock()
	defer bg.mu.Unlock()
	assert.NoError(t, bg.ctxErr)
}

func TestHeartbeat_BaseContextCancelsListener(t *testing.T) {
	t.Parallel()

	base, cancel := context.WithCancel(context.Background())
	bg := &fakeListener{block: make(chan struct{})}

	h, err := New(drainerReturning(0, nil), bg, Config{}, WithBaseContext(base))
	require.NoError(t, err)

	_, err = h.Beat(context.Background())
	require.NoError(t, err)

	cancel()
	require.NoError(t, h.Wait(context.Background()))

	bg.mu.Lock()
	defer bg.mu.Unlock()
	assert.ErrorIs(t, bg.ctxErr, context.Canceled)
}

func TestHeartbeat_BeatAfterWaitStartsNoSession(t *testing.T) {
	t.Parallel()

	bg := &fakeListener{}

	h, err := New(drainerReturning(3, nil), bg, Config{})
	require.NoError(t, err)

	require.NoError(t, h.Wait(context.Background()))

	relayed, err := h.Beat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, relayed)

	require.NoError(t, h.Wait(context.Background()))
	assert.Empty(t, bg.calls())
}

func TestHeartbeat_ConcurrentBeatAndWait(t *testing.T) {
	t.Parallel()

	bg := &fakeListener{}

	h, err := New(drainerReturning(0, nil), bg, Config{})
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, beatErr := h.Beat(context.Background())
			assert.NoError(t, beatErr)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.Wait(ctx))
	wg.Wait()
	require.NoError(t, h.Wait(ctx))
}

type recordingSender struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSender) Send(_ context.Context, events []outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		s.ids = append(s.ids, e.ID)
	}

	return nil
}

func TestHeartbeat_DrainsBacklogBeforeResponding(t *testing.T) {
	t.Parallel()

	store := memory.New()
	for range 5 {
		store.Insert(outbox.Entry{EntityID: "o-1", EventName: "orders/placed", Payload: []byte(`{}`)})
	}

	sender := &recordingSender{}

	drainer, err := outbox.NewDrainer(store, sender, outbox.WithBatchSize(2))
	require.NoError(t, err)

	h, err := New(drainer, &fakeListener{}, Config{})
	require.NoError(t, err)

	app := fiber.New()
	RegisterRoutes(app, h, store)

	status, body := get(t, app, "/api/heartbeat")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body)

	assert.Len(t, sender.ids, 5)
	assert.Zero(t, store.Len())

	status, body = get(t, app, "/api/outbox/stats")
	require.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"pending":0}`, body)

	require.NoError(t, h.Wait(context.Background()))
}

type failingCounter struct{}

func (failingCounter) Pending(context.Context) (int64, error) {
	return 0, errors.New("replica down")
}

func TestStats(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.Insert(outbox.Entry{EntityID: "a", EventName: "x"}, outbox.Entry{EntityID: "b", EventName: "x"})

	app := fiber.New()
	app.Get("/ok", Stats(store))
	app.Get("/down", Stats(failingCounter{}))

	status, body := get(t, app, "/ok")
	assert.Equal(t, fiber.StatusOK, status)

	var stats map[string]int64
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, int64(2), stats["pending"])

	status, _ = get(t, app, "/down")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestRegisterRoutes_Health(t *testing.T) {
	t.Parallel()

	h, err := New(drainerReturning(0, nil), &fakeListener{}, Config{})
	require.NoError(t, err)

	app := fiber.New()
	RegisterRoutes(app, h, nil)

	status, body := get(t, app, "/health")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "pong", body)

	status, _ = get(t, app, "/api/outbox/stats")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestScheduler_BeatsUntilCancelled(t *testing.T) {
	t.Parallel()

	var drains atomic.Int32

	drainer := outbox.BacklogDrainerFunc(func(context.Context) (int, error) {
		drains.Add(1)
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	h, err := New(drainer, &fakeListener{}, Config{}, WithBaseContext(ctx))
	require.NoError(t, err)

	_, err = NewScheduler(ctx, h, 0)
	require.ErrorIs(t, err, ErrIntervalRequired)

	s, err := NewScheduler(ctx, h, 5*time.Millisecond)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- s.Run(nil) }()

	require.Eventually(t, func() bool { return drains.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	require.NoError(t, h.Wait(context.Background()))
}
