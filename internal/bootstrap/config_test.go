//go:build unit

package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://relay:secret@db:5432/app")
	t.Setenv("INNGEST_EVENT_KEY", "key")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddress)
	assert.Equal(t, "core.event_outbox", cfg.OutboxTable)
	assert.Equal(t, "payload", cfg.OutboxSchema)
	assert.Equal(t, 100, cfg.OutboxBatchSize)
	assert.Equal(t, "events", cfg.OutboxChannel)
	assert.Equal(t, 800*time.Second, cfg.HeartbeatMaxDuration)
	assert.InDelta(t, 0.9, cfg.HeartbeatListenFraction, 1e-9)
	assert.Equal(t, time.Second, cfg.ListenerBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.ListenerBackoffMax)
	assert.True(t, cfg.BusBreakerEnabled)
	assert.Equal(t, []string{DriverInngest}, cfg.Drivers())

	assert.Equal(t, cfg.DatabaseURL, cfg.DatabaseReplicaURL)
	assert.Equal(t, cfg.DatabaseURL, cfg.DatabaseDirectURL)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pooler:6543/app")
	t.Setenv("DATABASE_DIRECT_URL", "postgres://db:5432/app")
	t.Setenv("OUTBOX_SCHEMA", "labeled")
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("HEARTBEAT_MAX_DURATION", "300")
	t.Setenv("HEARTBEAT_LISTEN_FRACTION", "0.5")
	t.Setenv("LISTENER_BACKOFF_BASE", "250ms")
	t.Setenv("BUS_DRIVER", "Kafka, nats,kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("BUS_BREAKER_ENABLED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "labeled", cfg.OutboxSchema)
	assert.Equal(t, 25, cfg.OutboxBatchSize)
	assert.Equal(t, 300*time.Second, cfg.HeartbeatMaxDuration)
	assert.InDelta(t, 0.5, cfg.HeartbeatListenFraction, 1e-9)
	assert.Equal(t, 250*time.Millisecond, cfg.ListenerBackoffBase)
	assert.Equal(t, []string{DriverKafka, DriverNATS}, cfg.Drivers())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.False(t, cfg.BusBreakerEnabled)
	assert.Equal(t, "postgres://pooler:6543/app", cfg.DatabaseReplicaURL)
	assert.Equal(t, "postgres://db:5432/app", cfg.DatabaseDirectURL)
}

func TestLoadConfig_UnparsableValue(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/app")
	t.Setenv("OUTBOX_BATCH_SIZE", "many")

	_, err := LoadConfig()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "OUTBOX_BATCH_SIZE")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.DatabaseURL = "postgres://db/app"
		cfg.InngestEventKey = "key"

		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "missing database url", mutate: func(c *Config) { c.DatabaseURL = "" }, field: "DatabaseURL"},
		{name: "unknown schema", mutate: func(c *Config) { c.OutboxSchema = "wide" }, field: "OutboxSchema"},
		{name: "zero batch", mutate: func(c *Config) { c.OutboxBatchSize = 0 }, field: "OutboxBatchSize"},
		{name: "fraction above one", mutate: func(c *Config) { c.HeartbeatListenFraction = 1.5 }, field: "HeartbeatListenFraction"},
		{name: "backoff max below base", mutate: func(c *Config) { c.ListenerBackoffMax = time.Millisecond }, field: "ListenerBackoffMax"},
		{name: "idle above open", mutate: func(c *Config) { c.DatabaseMaxIdleConns = 50 }, field: "DatabaseMaxIdleConns"},
		{name: "unknown driver", mutate: func(c *Config) { c.BusDriver = "inngest,smtp" }, field: "BusDriver"},
		{name: "empty driver list", mutate: func(c *Config) { c.BusDriver = " , " }, field: "BusDriver"},
		{name: "inngest without key", mutate: func(c *Config) { c.InngestEventKey = "" }, field: "InngestEventKey"},
		{name: "rabbitmq without url", mutate: func(c *Config) { c.BusDriver = "rabbitmq" }, field: "RabbitMQURL"},
		{name: "telemetry without endpoint", mutate: func(c *Config) { c.EnableTelemetry = true }, field: "OtelExporterEndpoint"},
		{name: "bad redis url", mutate: func(c *Config) { c.RedisURL = "not a url" }, field: "RedisURL"},
		{name: "bad environment", mutate: func(c *Config) { c.EnvName = "qa" }, field: "EnvName"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Finalize()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	t.Run("valid", func(t *testing.T) {
		cfg := valid()
		assert.NoError(t, cfg.Finalize())
	})
}
