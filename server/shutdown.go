package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/runtime"
	"github.com/gofiber/fiber/v2"
)

// ErrNoServersConfigured indicates no server was configured for the manager.
var ErrNoServersConfigured = errors.New("no servers configured: use WithHTTPServer()")

// ShutdownHook releases one resource during shutdown. Hooks run in
// registration order after the HTTP server stops.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ServerManager starts the HTTP server and tears the process down when a
// termination signal arrives.
type ServerManager struct {
	httpServer         *fiber.App
	telemetry          *opentelemetry.Telemetry
	logger             log.Logger
	httpAddress        string
	hooks              []ShutdownHook
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	startupErrors      chan error
}

var _ relay.App = (*ServerManager)(nil)

// NewServerManager creates a ServerManager. A nil logger is replaced by a
// no-op logger.
func NewServerManager(telemetry *opentelemetry.Telemetry, logger log.Logger) *ServerManager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &ServerManager{
		telemetry:       telemetry,
		logger:          logger,
		serversStarted:  make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the HTTP server.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithShutdownChannel replaces OS signal handling with ch.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds the whole shutdown sequence. Defaults to 30s.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// WithShutdownHook appends a hook to the shutdown sequence.
func (sm *ServerManager) WithShutdownHook(name string, fn func(ctx context.Context) error) *ServerManager {
	if fn != nil {
		sm.hooks = append(sm.hooks, ShutdownHook{Name: name, Fn: fn})
	}

	return sm
}

// ServersStarted is closed once the server goroutine has been launched.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// Run implements relay.App.
func (sm *ServerManager) Run(_ *relay.Launcher) error {
	return sm.StartWithGracefulShutdownWithError()
}

// StartWithGracefulShutdownWithError starts the server and blocks until a
// termination signal, the shutdown channel or a startup failure. A startup
// failure is returned after the shutdown sequence ran.
func (sm *ServerManager) StartWithGracefulShutdownWithError() error {
	if sm.httpServer == nil {
		return ErrNoServersConfigured
	}

	sm.startServers()

	return sm.handleShutdown()
}

func (sm *ServerManager) startServers() {
	runtime.SafeGoWithContextAndComponent(
		context.Background(),
		sm.logger,
		"server",
		"start_http_server",
		runtime.KeepRunning,
		func(ctx context.Context) {
			sm.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", sm.httpAddress))

			if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
				sm.logger.Log(ctx, log.LevelError, "HTTP server error", log.Err(err))

				select {
				case sm.startupErrors <- fmt.Errorf("HTTP server: %w", err):
				default:
				}
			}
		},
	)

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) handleShutdown() error {
	var startupErr error

	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
		case startupErr = <-sm.startupErrors:
		}
	} else {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		select {
		case <-c:
		case startupErr = <-sm.startupErrors:
		}

		signal.Stop(c)
	}

	if startupErr != nil {
		sm.logger.Log(context.Background(), log.LevelError, "server startup failed", log.Err(startupErr))
	}

	sm.logger.Log(context.Background(), log.LevelInfo, "gracefully shutting down")

	sm.executeShutdown()

	return startupErr
}

// executeShutdown stops the server, runs hooks, flushes telemetry and
// syncs the logger. Only the first call does anything.
func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		if sm.httpServer != nil {
			if err := sm.httpServer.ShutdownWithContext(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "HTTP server shutdown failed", log.Err(err))
			}
		}

		for _, hook := range sm.hooks {
			sm.logger.Log(ctx, log.LevelInfo, "running shutdown hook", log.String("hook", hook.Name))

			if err := hook.Fn(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "shutdown hook failed", log.String("hook", hook.Name), log.Err(err))
			}
		}

		if sm.telemetry != nil {
			if err := sm.telemetry.ShutdownTelemetry(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "telemetry shutdown failed", log.Err(err))
			}
		}

		if err := sm.logger.Sync(ctx); err != nil {
			sm.logger.Log(ctx, log.LevelError, "failed to sync logger", log.Err(err))
		}

		sm.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")
	})
}
