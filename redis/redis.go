package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrURLRequired is returned by Connect without a URL.
	ErrURLRequired = errors.New("redis url is required")
	// ErrNilClient is returned when a nil client is used.
	ErrNilClient = errors.New("redis client is nil")
)

// Config describes a standalone Redis connection.
type Config struct {
	// URL in redis:// or rediss:// form.
	URL    string
	Logger log.Logger
}

// Client is a lazily connected go-redis client.
type Client struct {
	cfg Config

	mu     sync.RWMutex
	client *redis.Client
}

// New returns a Client for cfg without connecting.
func New(cfg Config) *Client {
	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	return &Client{cfg: cfg}
}

// Connect parses the URL, dials and pings.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if strings.TrimSpace(c.cfg.URL) == "" {
		return ErrURLRequired
	}

	opts, err := redis.ParseURL(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		c.cfg.Logger.Log(ctx, log.LevelError, "failed to connect to redis", log.Err(err))

		return fmt.Errorf("ping redis: %w", err)
	}

	c.mu.Lock()
	previous := c.client
	c.client = client
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to redis", log.String("addr", opts.Addr))

	return nil
}

// GetClient returns the connected client, connecting on first use.
func (c *Client) GetClient(ctx context.Context) (*redis.Client, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client, nil
}

// IsConnected reports whether Connect succeeded and Close has not run.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}
