//go:build unit

package bootstrap

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/outbox-relay/listener"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/LerianStudio/outbox-relay/outbox/memory"
	"github.com/LerianStudio/outbox-relay/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanConn struct {
	listening atomic.Bool
	notes     chan *listener.Notification
}

func (c *chanConn) Listen(_ context.Context, _ string) error {
	c.listening.Store(true)
	return nil
}

func (c *chanConn) WaitForNotification(ctx context.Context) (*listener.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanConn) Close(_ context.Context) error {
	c.listening.Store(false)
	return nil
}

type collectingSender struct {
	mu  sync.Mutex
	ids []string
}

func (s *collectingSender) Send(_ context.Context, events []outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		s.ids = append(s.ids, e.ID)
	}

	return nil
}

func (s *collectingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ids)
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestNewRelay_HeartbeatThenNotifications(t *testing.T) {
	store := memory.New()
	store.Insert(
		outbox.Entry{EntityID: "o-1", EventName: "orders/placed", Payload: []byte(`{"total":1}`)},
		outbox.Entry{EntityID: "o-2", EventName: "orders/placed", Payload: []byte(`{"total":2}`)},
	)

	sender := &collectingSender{}
	conn := &chanConn{notes: make(chan *listener.Notification, 1)}

	cfg := DefaultConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.HeartbeatMaxDuration = 10 * time.Second
	cfg.ListenerBackoffBase = time.Millisecond
	cfg.ListenerBackoffMax = 5 * time.Millisecond

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := NewRelay(baseCtx, cfg, RelayDeps{
		Store:  store,
		Sender: sender,
		Connector: listener.ConnectorFunc(func(context.Context) (listener.Conn, error) {
			return conn, nil
		}),
		Logger: log.NewNop(),
	})
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, components.Heartbeat.Window())

	app := NewHTTPApp(cfg, components, store, log.NewNop(), testTracer)

	status, body := get(t, app, "/api/heartbeat")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body)
	assert.Equal(t, 2, sender.count())

	require.Eventually(t, conn.listening.Load, 2*time.Second, 5*time.Millisecond)

	store.Insert(outbox.Entry{EntityID: "o-3", EventName: "orders/placed", Payload: []byte(`{}`)})
	conn.notes <- &listener.Notification{Channel: "events", Payload: "orders/placed"}

	require.Eventually(t, func() bool { return sender.count() == 3 }, 2*time.Second, 5*time.Millisecond)

	status, body = get(t, app, "/api/outbox/stats")
	require.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"pending":0}`, body)

	status, body = get(t, app, "/health")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "pong", body)

	status, body = get(t, app, "/version")
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"version":"1.2.3"`)

	cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	require.NoError(t, components.Heartbeat.Wait(ctx))
	require.NoError(t, components.Coalescer.Wait(ctx))
	assert.False(t, conn.listening.Load())
}

func TestNewRelay_Validation(t *testing.T) {
	cfg := DefaultConfig()

	_, err := NewRelay(context.Background(), cfg, RelayDeps{Sender: &collectingSender{}})
	require.ErrorIs(t, err, outbox.ErrStoreRequired)

	cfg.OutboxSchema = "wide"

	_, err = NewRelay(context.Background(), cfg, RelayDeps{Store: memory.New(), Sender: &collectingSender{}})
	require.ErrorIs(t, err, outbox.ErrSchemaInvalid)

	cfg = DefaultConfig()

	_, err = NewRelay(context.Background(), cfg, RelayDeps{Store: memory.New(), Sender: &collectingSender{}})
	require.ErrorIs(t, err, listener.ErrConnectorRequired)
}

func TestRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)

	client := redis.New(redis.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	lm, err := redis.NewLockManager(client)
	require.NoError(t, err)

	lease := RedisLease(lm)
	ctx := context.Background()

	handle, ok, err := lease.TryLock(ctx, "outbox-relay:listener")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, handle)

	other, ok, err := lease.TryLock(ctx, "outbox-relay:listener")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)

	require.NoError(t, handle.Extend(ctx))
	require.NoError(t, handle.Unlock(ctx))

	again, ok, err := lease.TryLock(ctx, "outbox-relay:listener")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, again.Unlock(ctx))
}
