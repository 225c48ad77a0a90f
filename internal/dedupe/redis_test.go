package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, time.Minute), mr
}

func TestSeenAfterRemember(t *testing.T) {
	d, _ := newTestDeduper(t)
	ctx := context.Background()
	payload := []byte(`{"correlation_id":"abc"}`)

	seen, err := d.Seen(ctx, payload)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Remember(ctx, payload))

	seen, err = d.Seen(ctx, payload)
	require.NoError(t, err)
	assert.True(t, seen)

	other, err := d.Seen(ctx, []byte(`{"correlation_id":"def"}`))
	require.NoError(t, err)
	assert.False(t, other)
}

func TestSeenRecordsNothing(t *testing.T) {
	d, mr := newTestDeduper(t)
	ctx := context.Background()
	payload := []byte("y")

	for i := 0; i < 2; i++ {
		seen, err := d.Seen(ctx, payload)
		require.NoError(t, err)
		assert.False(t, seen)
	}
	assert.False(t, mr.Exists(Key(payload)))
}

func TestRememberExpires(t *testing.T) {
	d, mr := newTestDeduper(t)
	ctx := context.Background()
	payload := []byte("x")

	require.NoError(t, d.Remember(ctx, payload))
	assert.Equal(t, time.Minute, mr.TTL(Key(payload)))

	mr.FastForward(2 * time.Minute)

	seen, err := d.Seen(ctx, payload)
	require.NoError(t, err)
	assert.False(t, seen)
}
