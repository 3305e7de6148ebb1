package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 10
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultConnMaxIdleTime  = 5 * time.Minute
	defaultKeepAlive        = 30 * time.Second
	defaultIdleInTxTimeout  = 30 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	idleInTxTimeoutParamKey = "idle_in_transaction_session_timeout"
)

var (
	// ErrPrimaryDSNRequired is returned by Connect without a primary DSN.
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")
	// ErrNotConnected is returned when the client is used before Connect.
	ErrNotConnected = errors.New("postgres client is not connected")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config describes the pooled connections.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN defaults to PrimaryDSN.
	ReplicaDSN   string
	MaxOpenConns int
	MaxIdleConns int
	// KeepAlive is the TCP keepalive period of pooled connections.
	KeepAlive time.Duration
	// IdleInTxTimeout bounds, server side, how long a session may sit idle
	// inside an open transaction.
	IdleInTxTimeout time.Duration
	ConnectTimeout  time.Duration
	Logger          log.Logger
}

func (cfg *Config) normalize() {
	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}

	if cfg.IdleInTxTimeout <= 0 {
		cfg.IdleInTxTimeout = defaultIdleInTxTimeout
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
}

// Client owns the primary and replica pools behind a dbresolver.DB.
type Client struct {
	cfg Config

	mu       sync.RWMutex
	primary  *sql.DB
	replica  *sql.DB
	resolver dbresolver.DB
}

// NewClient returns an unconnected client.
func NewClient(cfg Config) *Client {
	cfg.normalize()

	return &Client{cfg: cfg}
}

// Connect opens both pools and pings through the resolver. Calling it on a
// connected client reconnects.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.PrimaryDSN == "" {
		return ErrPrimaryDSNRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to open primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replica := primary
	if c.cfg.ReplicaDSN != c.cfg.PrimaryDSN {
		replica, err = c.open(c.cfg.ReplicaDSN)
		if err != nil {
			return fmt.Errorf("failed to open replica database: %s", sanitizeSensitiveError(err))
		}

		defer func() {
			if !success {
				_ = replica.Close()
			}
		}()
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolver.PingContext(ctx); err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.cfg.Logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitized))

		return fmt.Errorf("failed to ping database: %s", sanitized)
	}

	c.primary, c.replica, c.resolver = primary, replica, resolver
	success = true

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

// open builds a pool whose sessions carry the keepalive dialer and the
// idle-in-transaction limit.
func (c *Client) open(dsn string) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	applySessionDefaults(connConfig, c.cfg)

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

func applySessionDefaults(connConfig *pgx.ConnConfig, cfg Config) {
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}

	if _, set := connConfig.RuntimeParams[idleInTxTimeoutParamKey]; !set {
		connConfig.RuntimeParams[idleInTxTimeoutParamKey] = strconv.FormatInt(cfg.IdleInTxTimeout.Milliseconds(), 10)
	}

	if connConfig.ConnectTimeout == 0 {
		connConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	dialer := &net.Dialer{KeepAlive: cfg.KeepAlive, Timeout: connConfig.ConnectTimeout}
	connConfig.DialFunc = dialer.DialContext
}

// Resolver returns the primary/replica router. Writes and transactions go
// to the primary; plain queries go to the replica.
func (c *Client) Resolver() (dbresolver.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Primary returns the primary pool.
func (c *Client) Primary() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// IsConnected reports whether Connect succeeded and Close has not run.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Close releases both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.primary, c.replica, c.resolver = nil, nil, nil

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}
