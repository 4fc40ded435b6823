package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("INGEST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("INGEST_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLease_Exclusive(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := "pellet-ingest:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	a := NewRedisLease(client, key, time.Minute)
	b := NewRedisLease(client, key, time.Minute)

	release, err := a.Acquire(ctx)
	require.NoError(t, err)

	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLocked)

	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, holder)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	releaseB, err := b.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, releaseB(ctx))
}

func TestRedisLease_ReleaseLeavesForeignToken(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := "pellet-ingest:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	l := NewRedisLease(client, key, time.Minute)
	release, err := l.Acquire(ctx)
	require.NoError(t, err)

	// Simulate expiry and takeover by another process.
	require.NoError(t, client.Set(ctx, key, "someone-else", time.Minute).Err())
	require.NoError(t, release(ctx))

	holder, err := l.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", holder)
}
