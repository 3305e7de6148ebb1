//go:build unit

package redis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/outbox-relay/log"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLockManager(t *testing.T, opts ...LockOption) (*LockManager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	conn := New(Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	m, err := NewLockManager(conn, opts...)
	require.NoError(t, err)

	return m, mr
}

func TestNewLockManager_NilClient(t *testing.T) {
	m, err := NewLockManager(nil)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestTryLock_AcquireAndRelease(t *testing.T) {
	m, mr := setupLockManager(t)
	ctx := context.Background()

	handle, ok, err := m.TryLock(ctx, "relay:listener:events")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, handle)
	assert.True(t, mr.Exists("relay:listener:events"))

	require.NoError(t, handle.Unlock(ctx))
	assert.False(t, mr.Exists("relay:listener:events"))
}

func TestTryLock_ContentionIsNotAnError(t *testing.T) {
	m, _ := setupLockManager(t)
	ctx := context.Background()

	first, ok, err := m.TryLock(ctx, "relay:listener:events")
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := m.TryLock(ctx, "relay:listener:events")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, first.Unlock(ctx))

	third, ok, err := m.TryLock(ctx, "relay:listener:events")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, third.Unlock(ctx))
}

func TestTryLock_EmptyKey(t *testing.T) {
	m, _ := setupLockManager(t)

	_, ok, err := m.TryLock(context.Background(), "  ")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEmptyLockKey)
}

func TestTryLock_NilManager(t *testing.T) {
	var m *LockManager

	_, ok, err := m.TryLock(context.Background(), "k")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNilLockManager)
}

func TestLockHandle_ExtendKeepsLockAlive(t *testing.T) {
	m, mr := setupLockManager(t, WithLockExpiry(2*time.Second))
	ctx := context.Background()

	handle, ok, err := m.TryLock(ctx, "relay:lease")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(1500 * time.Millisecond)
	require.NoError(t, handle.Extend(ctx))

	mr.FastForward(1500 * time.Millisecond)
	assert.True(t, mr.Exists("relay:lease"))

	require.NoError(t, handle.Unlock(ctx))
}

func TestLockHandle_ExpiredLockIsNotHeld(t *testing.T) {
	m, mr := setupLockManager(t, WithLockExpiry(time.Second))
	ctx := context.Background()

	handle, ok, err := m.TryLock(ctx, "relay:lease")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("relay:lease"))

	assert.ErrorIs(t, handle.Extend(ctx), ErrLockNotHeld)
	assert.ErrorIs(t, handle.Unlock(ctx), ErrLockNotHeld)
}

func TestLockHandle_Nil(t *testing.T) {
	var h *lockHandle

	assert.ErrorIs(t, h.Unlock(context.Background()), ErrNilLockHandle)
	assert.ErrorIs(t, h.Extend(context.Background()), ErrNilLockHandle)
}

func TestSafeLockKeyForLogs(t *testing.T) {
	assert.Equal(t, `"plain"`, safeLockKeyForLogs("plain"))
	assert.Equal(t, `"a\nb"`, safeLockKeyForLogs("a\nb"))

	long := safeLockKeyForLogs(strings.Repeat("x", 300))
	assert.Len(t, long, 128)
	assert.True(t, strings.HasSuffix(long, "..."))
}

type levelRecorder struct {
	mu     sync.Mutex
	levels []log.Level
}

func (r *levelRecorder) Log(_ context.Context, level log.Level, _ string, _ ...log.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.levels = append(r.levels, level)
}

func (r *levelRecorder) With(_ ...log.Field) log.Logger { return r }

func (r *levelRecorder) WithGroup(_ string) log.Logger { return r }

func (r *levelRecorder) Enabled(_ log.Level) bool { return true }

func (r *levelRecorder) Sync(_ context.Context) error { return nil }

func TestLockHandle_UnlockAfterExpiryIsQuiet(t *testing.T) {
	recorder := &levelRecorder{}
	m, mr := setupLockManager(t, WithLockExpiry(time.Second), WithLockLogger(recorder))
	ctx := context.Background()

	handle, ok, err := m.TryLock(ctx, "relay:expired")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	err = handle.Unlock(ctx)
	require.ErrorIs(t, err, ErrLockNotHeld)
	assert.NotContains(t, err.Error(), "distributed lock: unlock")

	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	assert.NotContains(t, recorder.levels, log.LevelError)
}
