package bootstrap

import (
	"context"
	"errors"
	"fmt"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/backoff"
	"github.com/LerianStudio/outbox-relay/heartbeat"
	"github.com/LerianStudio/outbox-relay/listener"
	"github.com/LerianStudio/outbox-relay/log"
	libHTTP "github.com/LerianStudio/outbox-relay/net/http"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	outboxpostgres "github.com/LerianStudio/outbox-relay/outbox/postgres"
	"github.com/LerianStudio/outbox-relay/postgres"
	"github.com/LerianStudio/outbox-relay/redis"
	"github.com/LerianStudio/outbox-relay/server"
	libZap "github.com/LerianStudio/outbox-relay/zap"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Service is the assembled relay process.
type Service struct {
	Launcher *relay.Launcher
	Logger   log.Logger
	Server   *server.ServerManager
}

// Run blocks until every app has stopped.
func (s *Service) Run() error {
	return s.Launcher.RunWithError()
}

// Components are the pieces NewRelay assembles, exposed for the HTTP app and
// for tests that run the relay against their own store and bus.
type Components struct {
	Drainer   *outbox.Drainer
	Coalescer *outbox.Coalescer
	Listener  *listener.Listener
	Heartbeat *heartbeat.Handler
}

// RelayDeps are the backends NewRelay wires together.
type RelayDeps struct {
	Store     outbox.Store
	Sender    outbox.Sender
	Connector listener.Connector
	Lease     listener.Lease

	Logger        log.Logger
	Tracer        trace.Tracer
	MeterProvider metric.MeterProvider
}

// NewRelay builds drainer, coalescer, listener and heartbeat handler. Every
// background goroutine runs under baseCtx.
func NewRelay(baseCtx context.Context, cfg Config, deps RelayDeps) (*Components, error) {
	schema, err := outbox.ParseSchema(cfg.OutboxSchema)
	if err != nil {
		return nil, err
	}

	drainer, err := outbox.NewDrainer(deps.Store, deps.Sender,
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithConcurrency(cfg.OutboxDrainConcurrency),
		outbox.WithSchema(schema),
		outbox.WithLogger(deps.Logger),
		outbox.WithTracer(deps.Tracer),
		outbox.WithMeterProvider(deps.MeterProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("build drainer: %w", err)
	}

	coalescer, err := outbox.NewCoalescer(drainer,
		outbox.WithCoalescerLogger(deps.Logger),
		outbox.WithBaseContext(baseCtx),
	)
	if err != nil {
		return nil, fmt.Errorf("build coalescer: %w", err)
	}

	opts := []listener.Option{
		listener.WithChannel(cfg.OutboxChannel),
		listener.WithBackoff(backoff.Policy{Base: cfg.ListenerBackoffBase, Max: cfg.ListenerBackoffMax}),
		listener.WithLogger(deps.Logger),
		listener.WithTracer(deps.Tracer),
		listener.WithMeterProvider(deps.MeterProvider),
		listener.WithLease(deps.Lease, cfg.LeaseKey, cfg.LeaseRefresh),
	}

	l, err := listener.New(deps.Connector, coalescer, listener.NewState(), opts...)
	if err != nil {
		return nil, fmt.Errorf("build listener: %w", err)
	}

	hb, err := heartbeat.New(drainer, l,
		heartbeat.Config{MaxDuration: cfg.HeartbeatMaxDuration, ListenFraction: cfg.HeartbeatListenFraction},
		heartbeat.WithLogger(deps.Logger),
		heartbeat.WithBaseContext(baseCtx),
	)
	if err != nil {
		return nil, fmt.Errorf("build heartbeat: %w", err)
	}

	return &Components{Drainer: drainer, Coalescer: coalescer, Listener: l, Heartbeat: hb}, nil
}

// NewHTTPApp mounts the heartbeat, stats, health and version routes behind
// the telemetry and logging middleware.
func NewHTTPApp(cfg Config, c *Components, counter outbox.PendingCounter, logger log.Logger, tracer trace.Tracer) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               ApplicationName,
		DisableStartupMessage: true,
		ErrorHandler:          libHTTP.FiberErrorHandler,
	})

	app.Use(libHTTP.WithTelemetry(tracer, "/health"))
	app.Use(libHTTP.WithHTTPLogging(libHTTP.WithCustomLogger(logger)))

	app.Get("/version", libHTTP.Version(cfg.ServiceVersion))
	heartbeat.RegisterRoutes(app, c.Heartbeat, counter)

	return app
}

// RedisLease adapts a redsync lock manager to the listener lease.
func RedisLease(lm *redis.LockManager) listener.Lease {
	return listener.LeaseFunc(func(ctx context.Context, key string) (listener.LeaseHandle, bool, error) {
		handle, ok, err := lm.TryLock(ctx, key)
		if err != nil || !ok {
			return nil, ok, err
		}

		return handle, true, nil
	})
}

// InitServers connects every backend from cfg and returns the runnable
// service. Anything opened before a failure is closed again.
func InitServers(ctx context.Context, cfg Config) (*Service, error) {
	zapLogger, err := libZap.New(libZap.Config{
		Environment:     libZap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: ApplicationName,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	var logger log.Logger = zapLogger

	var cleanup []func() error

	fail := func(err error) (*Service, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			err = errors.Join(err, cleanup[i]())
		}

		logger.Log(ctx, log.LevelError, "relay bootstrap failed", log.Err(err))

		return nil, err
	}

	telemetry, err := opentelemetry.InitializeTelemetry(ctx, &opentelemetry.TelemetryConfig{
		LibraryName:               ApplicationName,
		ServiceName:               ApplicationName,
		ServiceVersion:            cfg.ServiceVersion,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OtelExporterEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return fail(fmt.Errorf("init telemetry: %w", err))
	}

	cleanup = append(cleanup, func() error { return telemetry.ShutdownTelemetry(context.Background()) })

	tracer := telemetry.TracerProvider.Tracer(ApplicationName)

	pg := postgres.NewClient(postgres.Config{
		PrimaryDSN:   cfg.DatabaseURL,
		ReplicaDSN:   cfg.DatabaseReplicaURL,
		MaxOpenConns: cfg.DatabaseMaxOpenConns,
		MaxIdleConns: cfg.DatabaseMaxIdleConns,
		Logger:       logger,
	})

	if err := pg.Connect(ctx); err != nil {
		return fail(fmt.Errorf("connect postgres: %w", err))
	}

	cleanup = append(cleanup, pg.Close)

	if cfg.DatabaseMigrate {
		if cfg.OutboxTable != outboxpostgres.DefaultTable {
			logger.Log(ctx, log.LevelWarn, "migrations create the default table only",
				log.String("default", outboxpostgres.DefaultTable),
				log.String("configured", cfg.OutboxTable),
			)
		}

		primary, err := pg.Primary()
		if err != nil {
			return fail(err)
		}

		if err := postgres.Migrate(ctx, primary, cfg.OutboxSchema, logger); err != nil {
			return fail(fmt.Errorf("migrate outbox: %w", err))
		}
	}

	resolver, err := pg.Resolver()
	if err != nil {
		return fail(err)
	}

	schema, err := outbox.ParseSchema(cfg.OutboxSchema)
	if err != nil {
		return fail(err)
	}

	store, err := outboxpostgres.NewStore(resolver,
		outboxpostgres.WithTable(cfg.OutboxTable),
		outboxpostgres.WithSchema(schema),
		outboxpostgres.WithLogger(logger),
		outboxpostgres.WithTracer(tracer),
	)
	if err != nil {
		return fail(fmt.Errorf("build outbox store: %w", err))
	}

	eventBus, err := NewBus(cfg, logger, tracer)
	if err != nil {
		return fail(err)
	}

	cleanup = append(cleanup, func() error { return eventBus.Close(context.Background()) })

	connector, err := listener.NewPgxConnector(cfg.DatabaseDirectURL, listener.WithConnectTimeout(cfg.ListenerConnectTimeout))
	if err != nil {
		return fail(fmt.Errorf("build listener connector: %w", err))
	}

	var (
		lease       listener.Lease
		redisClient *redis.Client
	)

	if cfg.RedisURL != "" {
		redisClient = redis.New(redis.Config{URL: cfg.RedisURL, Logger: logger})
		if err := redisClient.Connect(ctx); err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}

		cleanup = append(cleanup, redisClient.Close)

		lm, err := redis.NewLockManager(redisClient, redis.WithLockLogger(logger), redis.WithLockTracer(tracer))
		if err != nil {
			return fail(err)
		}

		lease = RedisLease(lm)
	}

	baseCtx, cancel := context.WithCancel(relay.ContextWithLogger(context.Background(), logger))
	cleanup = append(cleanup, func() error { cancel(); return nil })

	components, err := NewRelay(baseCtx, cfg, RelayDeps{
		Store:         store,
		Sender:        eventBus,
		Connector:     connector,
		Lease:         lease,
		Logger:        logger,
		Tracer:        tracer,
		MeterProvider: telemetry.MeterProvider,
	})
	if err != nil {
		return fail(err)
	}

	app := NewHTTPApp(cfg, components, store, logger, tracer)

	sm := server.NewServerManager(telemetry, logger).
		WithHTTPServer(app, cfg.ServerAddress).
		WithShutdownHook("cancel background work", func(context.Context) error {
			cancel()
			return nil
		}).
		WithShutdownHook("heartbeat listener", components.Heartbeat.Wait).
		WithShutdownHook("coalescer", components.Coalescer.Wait).
		WithShutdownHook("bus", eventBus.Close).
		WithShutdownHook("postgres", func(context.Context) error { return pg.Close() })

	if redisClient != nil {
		sm = sm.WithShutdownHook("redis", func(context.Context) error { return redisClient.Close() })
	}

	opts := []relay.LauncherOption{
		relay.WithLogger(logger),
		relay.RunApp("http server", sm),
	}

	if cfg.HeartbeatInterval > 0 {
		scheduler, err := heartbeat.NewScheduler(baseCtx, components.Heartbeat, cfg.HeartbeatInterval)
		if err != nil {
			return fail(err)
		}

		opts = append(opts, relay.RunApp("heartbeat scheduler", scheduler))
	}

	logger.Log(ctx, log.LevelInfo, "relay configured",
		log.String("table", store.Table()),
		log.String("schema", string(schema)),
		log.String("channel", cfg.OutboxChannel),
		log.Duration("listen_window", components.Heartbeat.Window()),
		log.Bool("lease", lease != nil),
	)

	return &Service{
		Launcher: relay.NewLauncher(opts...),
		Logger:   logger,
		Server:   sm,
	}, nil
}
