package redisclient

import (
	"context"
	"testing"
	"time"

	"almans/internal/kvstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_RoundTrip(t *testing.T) {
	// Integration test - requires a running Redis
	t.Skip("Integration test - requires redis")

	c, err := NewClient("localhost:6379", "", 15)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "almans:test", "value"))
	got, err := c.Get(ctx, "almans:test")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	require.NoError(t, c.Remove(ctx, "almans:test"))
	_, err = c.Get(ctx, "almans:test")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestClient_TTLExpires(t *testing.T) {
	t.Skip("Integration test - requires redis")

	c, err := NewClient("localhost:6379", "", 15)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "almans:ttl", "value", 50*time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	_, err = c.Get(ctx, "almans:ttl")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}
