package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultLockExpiry = 30 * time.Second

var (
	ErrNilLockManager = errors.New("lock manager is nil")
	ErrEmptyLockKey   = errors.New("lock key is empty")
	ErrNilLockHandle  = errors.New("lock handle is nil")
	// ErrLockNotHeld is returned when unlocking or extending a lock that has
	// expired or been taken over.
	ErrLockNotHeld = errors.New("lock was not held")
)

// LockHandle is an acquired lock.
type LockHandle interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
	// Extend resets the lock expiry. It fails with ErrLockNotHeld once the
	// lock has been lost.
	Extend(ctx context.Context) error
}

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockExpiry sets how long an unextended lock lives.
func WithLockExpiry(expiry time.Duration) LockOption {
	return func(m *LockManager) {
		if expiry > 0 {
			m.expiry = expiry
		}
	}
}

// WithLockLogger sets the lock logger.
func WithLockLogger(logger log.Logger) LockOption {
	return func(m *LockManager) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

// WithLockTracer sets the lock tracer.
func WithLockTracer(tracer trace.Tracer) LockOption {
	return func(m *LockManager) {
		if !nilcheck.Interface(tracer) {
			m.tracer = tracer
		}
	}
}

// LockManager acquires redsync locks over a Client.
type LockManager struct {
	redsync *redsync.Redsync
	expiry  time.Duration
	logger  log.Logger
	tracer  trace.Tracer
}

// clientPool resolves the client per Get so a reconnect is picked up.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// NewLockManager builds a LockManager on conn.
func NewLockManager(conn *Client, opts ...LockOption) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	m := &LockManager{
		redsync: redsync.New(&clientPool{conn: conn}),
		expiry:  defaultLockExpiry,
		logger:  log.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("redis.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// TryLock makes a single acquisition attempt. Contention is reported as
// (nil, false, nil); only real failures return an error.
func (m *LockManager) TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error) {
	if m == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	safeKey := safeLockKeyForLogs(lockKey)

	ctx, span := m.tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := m.redsync.NewMutex(lockKey,
		redsync.WithExpiry(m.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			m.logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", safeKey))
			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeKey, err)
	}

	m.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeKey))

	return &lockHandle{mutex: mutex, logger: m.logger}, true, nil
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrLockAlreadyExpired) || errors.As(err, &taken) {
			return ErrLockNotHeld
		}

		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.Err(err))

		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

func (h *lockHandle) Extend(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrExtendFailed) || errors.Is(err, redsync.ErrLockAlreadyExpired) || errors.As(err, &taken) {
			return ErrLockNotHeld
		}

		return fmt.Errorf("distributed lock: extend: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

// isContention reports whether err means another holder owns the key.
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safe := strconv.QuoteToASCII(lockKey)
	if len(safe) <= maxLockKeyLogLength {
		return safe
	}

	return safe[:maxLockKeyLogLength-3] + "..."
}
