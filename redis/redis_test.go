//go:build unit

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ConnectRequiresURL(t *testing.T) {
	c := New(Config{})

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrURLRequired)
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectRejectsBadURL(t *testing.T) {
	c := New(Config{URL: "http://not-redis"})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestClient_ConnectAndClose(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(Config{URL: "redis://" + mr.Addr()})

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	rdb, err := c.GetClient(context.Background())
	require.NoError(t, err)
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	require.NoError(t, c.Close())
}

func TestClient_GetClientConnectsLazily(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(Config{URL: "redis://" + mr.Addr()})

	rdb, err := c.GetClient(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rdb)
	assert.True(t, c.IsConnected())

	t.Cleanup(func() { _ = c.Close() })
}

func TestClient_NilReceiver(t *testing.T) {
	var c *Client

	assert.ErrorIs(t, c.Connect(context.Background()), ErrNilClient)
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())

	_, err := c.GetClient(context.Background())
	assert.ErrorIs(t, err, ErrNilClient)
}
