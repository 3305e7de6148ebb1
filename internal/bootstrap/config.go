package bootstrap

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/go-playground/validator/v10"
)

const ApplicationName = "outbox-relay"

// Bus drivers accepted by BUS_DRIVER.
const (
	DriverInngest  = "inngest"
	DriverRabbitMQ = "rabbitmq"
	DriverKafka    = "kafka"
	DriverNATS     = "nats"
)

var (
	// ErrInvalidConfig wraps the first failed validation rule.
	ErrInvalidConfig = errors.New("invalid relay configuration")
	// ErrValidatorInit is returned when custom rules cannot be registered.
	ErrValidatorInit = errors.New("config validator initialization failed")

	knownDrivers = []string{DriverInngest, DriverRabbitMQ, DriverKafka, DriverNATS}

	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

// Config is the process configuration read from the environment.
type Config struct {
	EnvName        string `env:"ENV_NAME" validate:"oneof=production staging development local"`
	LogLevel       string `env:"LOG_LEVEL"`
	ServerAddress  string `env:"SERVER_ADDRESS" validate:"required"`
	ServiceVersion string `env:"VERSION"`

	DatabaseURL          string `env:"DATABASE_URL" validate:"required"`
	DatabaseReplicaURL   string `env:"DATABASE_REPLICA_URL"`
	DatabaseDirectURL    string `env:"DATABASE_DIRECT_URL"`
	DatabaseMaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS" validate:"gte=1"`
	DatabaseMaxIdleConns int    `env:"DATABASE_MAX_IDLE_CONNS" validate:"gte=0,ltefield=DatabaseMaxOpenConns"`
	DatabaseMigrate      bool   `env:"DATABASE_MIGRATE"`

	OutboxTable            string `env:"OUTBOX_TABLE" validate:"required"`
	OutboxSchema           string `env:"OUTBOX_SCHEMA" validate:"oneof=payload labeled"`
	OutboxBatchSize        int    `env:"OUTBOX_BATCH_SIZE" validate:"gte=1,lte=10000"`
	OutboxDrainConcurrency int    `env:"OUTBOX_DRAIN_CONCURRENCY" validate:"gte=1,lte=64"`
	OutboxChannel          string `env:"OUTBOX_CHANNEL" validate:"required"`

	HeartbeatMaxDuration    time.Duration `env:"HEARTBEAT_MAX_DURATION" validate:"gt=0"`
	HeartbeatListenFraction float64       `env:"HEARTBEAT_LISTEN_FRACTION" validate:"gt=0,lte=1"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL" validate:"gte=0"`

	ListenerBackoffBase    time.Duration `env:"LISTENER_BACKOFF_BASE" validate:"gt=0"`
	ListenerBackoffMax     time.Duration `env:"LISTENER_BACKOFF_MAX" validate:"gtefield=ListenerBackoffBase"`
	ListenerConnectTimeout time.Duration `env:"LISTENER_CONNECT_TIMEOUT" validate:"gt=0"`

	RedisURL     string        `env:"REDIS_URL" validate:"omitempty,url"`
	LeaseKey     string        `env:"LISTENER_LEASE_KEY"`
	LeaseRefresh time.Duration `env:"LISTENER_LEASE_REFRESH" validate:"gte=0"`

	BusDriver         string `env:"BUS_DRIVER" validate:"required,bus_drivers"`
	BusBreakerEnabled bool   `env:"BUS_BREAKER_ENABLED"`

	InngestEventKey string `env:"INNGEST_EVENT_KEY" validate:"required_if=HasInngest true"`
	InngestBaseURL  string `env:"INNGEST_BASE_URL" validate:"omitempty,url"`

	RabbitMQURL      string `env:"RABBITMQ_URL" validate:"required_if=HasRabbitMQ true"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE"`

	KafkaBrokers string `env:"KAFKA_BROKERS" validate:"required_if=HasKafka true"`
	KafkaTopic   string `env:"KAFKA_TOPIC"`

	NATSURL           string `env:"NATS_URL" validate:"required_if=HasNATS true"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX"`

	EnableTelemetry      bool   `env:"ENABLE_TELEMETRY"`
	OtelExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" validate:"required_if=EnableTelemetry true"`

	// Derived from BusDriver by LoadConfig, so required_if can see them.
	HasInngest  bool
	HasRabbitMQ bool
	HasKafka    bool
	HasNATS     bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		EnvName:                 "production",
		ServerAddress:           ":8080",
		DatabaseMaxOpenConns:    25,
		DatabaseMaxIdleConns:    10,
		OutboxTable:             "core.event_outbox",
		OutboxSchema:            "payload",
		OutboxBatchSize:         100,
		OutboxDrainConcurrency:  1,
		OutboxChannel:           "events",
		HeartbeatMaxDuration:    800 * time.Second,
		HeartbeatListenFraction: 0.9,
		ListenerBackoffBase:     time.Second,
		ListenerBackoffMax:      30 * time.Second,
		ListenerConnectTimeout:  10 * time.Second,
		LeaseKey:                "outbox-relay:listener",
		BusDriver:               DriverInngest,
		BusBreakerEnabled:       true,
		RabbitMQExchange:        "events",
		KafkaTopic:              "events",
		NATSSubjectPrefix:       "events",
	}
}

// LoadConfig reads DefaultConfig overlaid with the environment and
// validates the result.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if err := relay.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Finalize fills values derived from other fields and validates.
func (cfg *Config) Finalize() error {
	if cfg.DatabaseReplicaURL == "" {
		cfg.DatabaseReplicaURL = cfg.DatabaseURL
	}

	if cfg.DatabaseDirectURL == "" {
		cfg.DatabaseDirectURL = cfg.DatabaseURL
	}

	drivers := cfg.Drivers()
	cfg.HasInngest = slices.Contains(drivers, DriverInngest)
	cfg.HasRabbitMQ = slices.Contains(drivers, DriverRabbitMQ)
	cfg.HasKafka = slices.Contains(drivers, DriverKafka)
	cfg.HasNATS = slices.Contains(drivers, DriverNATS)

	return cfg.Validate()
}

// Drivers returns the normalized, de-duplicated BUS_DRIVER entries.
func (cfg Config) Drivers() []string {
	return splitList(strings.ToLower(cfg.BusDriver))
}

// Brokers returns the KAFKA_BROKERS entries.
func (cfg Config) Brokers() []string {
	return splitList(cfg.KafkaBrokers)
}

// Validate checks the struct tags.
func (cfg Config) Validate() error {
	vld, err := getValidator()
	if err != nil {
		return err
	}

	if err := vld.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return fmt.Errorf("%w: %s failed on %q", ErrInvalidConfig, fe.Field(), fe.Tag())
		}

		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

func getValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		vld := validator.New(validator.WithRequiredStructEnabled())

		if err := vld.RegisterValidation("bus_drivers", func(fl validator.FieldLevel) bool {
			drivers := splitList(strings.ToLower(fl.Field().String()))
			if len(drivers) == 0 {
				return false
			}

			for _, d := range drivers {
				if !slices.Contains(knownDrivers, d) {
					return false
				}
			}

			return true
		}); err != nil {
			errValidate = fmt.Errorf("%w: register 'bus_drivers': %w", ErrValidatorInit, err)
			return
		}

		validate = vld
	})

	return validate, errValidate
}

func splitList(raw string) []string {
	var out []string

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" && !slices.Contains(out, part) {
			out = append(out, part)
		}
	}

	return out
}
