//go:build unit

package server_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/server"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu       sync.Mutex
	messages []string
	syncErr  error
}

func (l *recordingLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) With(_ ...log.Field) log.Logger { return l }

func (l *recordingLogger) WithGroup(_ string) log.Logger { return l }

func (l *recordingLogger) Enabled(_ log.Level) bool { return true }

func (l *recordingLogger) Sync(_ context.Context) error { return l.syncErr }

func (l *recordingLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.messages...)
}

func newApp() *fiber.App {
	return fiber.New(fiber.Config{DisableStartupMessage: true})
}

func runUntilShutdown(t *testing.T, sm *server.ServerManager, shutdown chan struct{}) error {
	t.Helper()

	done := make(chan error, 1)

	go func() { done <- sm.StartWithGracefulShutdownWithError() }()

	select {
	case <-sm.ServersStarted():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for servers to start")
	}

	close(shutdown)

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	return nil
}

func TestStartWithGracefulShutdownWithError_NoServers(t *testing.T) {
	err := server.NewServerManager(nil, nil).StartWithGracefulShutdownWithError()
	assert.ErrorIs(t, err, server.ErrNoServersConfigured)
}

func TestStartWithGracefulShutdownWithError_HTTPServer_Success(t *testing.T) {
	shutdown := make(chan struct{})

	sm := server.NewServerManager(nil, nil).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithShutdownChannel(shutdown)

	assert.NoError(t, runUntilShutdown(t, sm, shutdown))
}

func TestShutdown_HooksRunInOrderThenLoggerSync(t *testing.T) {
	shutdown := make(chan struct{})
	logger := &recordingLogger{syncErr: errors.New("sync failed")}

	var (
		mu    sync.Mutex
		order []string
	)

	hook := func(name string, err error) func(context.Context) error {
		return func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)

			mu.Lock()
			order = append(order, name)
			mu.Unlock()

			return err
		}
	}

	sm := server.NewServerManager(nil, logger).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithShutdownChannel(shutdown).
		WithShutdownTimeout(time.Second).
		WithShutdownHook("cancel background work", hook("cancel", nil)).
		WithShutdownHook("coalescer", hook("coalescer", errors.New("still draining"))).
		WithShutdownHook("nil hook", nil).
		WithShutdownHook("store", hook("store", nil))

	require.NoError(t, runUntilShutdown(t, sm, shutdown))

	assert.Equal(t, []string{"cancel", "coalescer", "store"}, order)

	messages := logger.getMessages()
	assert.Contains(t, messages, "shutdown hook failed")
	assert.Contains(t, messages, "failed to sync logger")
	assert.Equal(t, "graceful shutdown completed", messages[len(messages)-1])
}

func TestShutdown_FlushesTelemetry(t *testing.T) {
	shutdown := make(chan struct{})

	tl, err := opentelemetry.InitializeTelemetry(context.Background(), &opentelemetry.TelemetryConfig{
		LibraryName:     "test",
		ServiceName:     "outbox-relay-test",
		EnableTelemetry: false,
		Logger:          log.NewNop(),
	})
	require.NoError(t, err)

	sm := server.NewServerManager(tl, nil).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithShutdownChannel(shutdown)

	assert.NoError(t, runUntilShutdown(t, sm, shutdown))
}

func TestStartWithGracefulShutdownWithError_HTTPStartupError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hookRan := make(chan struct{})

	sm := server.NewServerManager(nil, nil).
		WithHTTPServer(newApp(), ln.Addr().String()).
		WithShutdownHook("marker", func(context.Context) error {
			close(hookRan)
			return nil
		})

	done := make(chan error, 1)

	go func() { done <- sm.StartWithGracefulShutdownWithError() }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP server")
	case <-time.After(10 * time.Second):
		t.Fatal("startup error was not propagated")
	}

	select {
	case <-hookRan:
	default:
		t.Fatal("shutdown hooks did not run after startup failure")
	}
}

func TestServerManager_RunsUnderLauncher(t *testing.T) {
	shutdown := make(chan struct{})

	sm := server.NewServerManager(nil, nil).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithShutdownChannel(shutdown)

	launcher := relay.NewLauncher(relay.WithLogger(log.NewNop()), relay.RunApp("http", sm))

	done := make(chan error, 1)

	go func() { done <- launcher.RunWithError() }()

	select {
	case <-sm.ServersStarted():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for servers to start")
	}

	close(shutdown)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("launcher did not return")
	}
}
