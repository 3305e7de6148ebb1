package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
)

// ErrDSNRequired is returned by NewPgxConnector without a DSN.
var ErrDSNRequired = errors.New("listener dsn is required")

// PgxConnectorOption configures a PgxConnector.
type PgxConnectorOption func(*PgxConnector)

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(timeout time.Duration) PgxConnectorOption {
	return func(c *PgxConnector) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithKeepAlive sets the TCP keepalive period of the listen connection.
func WithKeepAlive(period time.Duration) PgxConnectorOption {
	return func(c *PgxConnector) {
		if period > 0 {
			c.keepAlive = period
		}
	}
}

// PgxConnector opens single pgx connections outside any pool. LISTEN is
// session scoped, so it cannot go through a transaction pooler.
type PgxConnector struct {
	config         *pgx.ConnConfig
	connectTimeout time.Duration
	keepAlive      time.Duration
}

// NewPgxConnector parses dsn once and returns a connector that reuses it.
func NewPgxConnector(dsn string, opts ...PgxConnectorOption) (*PgxConnector, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrDSNRequired
	}

	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse listener dsn: %w", err)
	}

	c := &PgxConnector{
		config:         config,
		connectTimeout: defaultConnectTimeout,
		keepAlive:      defaultKeepAlive,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Connect dials a new connection bounded by the connect timeout.
func (c *PgxConnector) Connect(ctx context.Context) (Conn, error) {
	config := c.config.Copy()
	config.ConnectTimeout = c.connectTimeout

	dialer := &net.Dialer{KeepAlive: c.keepAlive, Timeout: c.connectTimeout}
	config.DialFunc = dialer.DialContext

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := pgx.ConnectConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}

	return &pgxConn{conn: conn}, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Listen(ctx context.Context, channel string) error {
	if _, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}

	return nil
}

func (c *pgxConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}

	return &Notification{PID: n.PID, Channel: n.Channel, Payload: n.Payload}, nil
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
