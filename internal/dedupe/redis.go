// Package dedupe drops repeated vendor deliveries of the same payload.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "voicecampaign:delivery:"

// RedisDeduper remembers digests of processed payloads for TTL.
type RedisDeduper struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{Client: client, TTL: ttl}
}

// Key is the digest under which payload is remembered.
func Key(payload []byte) string {
	sum := sha256.Sum256(payload)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Seen reports whether payload was processed within TTL. It records nothing.
func (d *RedisDeduper) Seen(ctx context.Context, payload []byte) (bool, error) {
	n, err := d.Client.Exists(ctx, Key(payload)).Result()
	return n > 0, err
}

// Remember marks payload as processed for TTL.
func (d *RedisDeduper) Remember(ctx context.Context, payload []byte) error {
	return d.Client.Set(ctx, Key(payload), time.Now().Unix(), d.TTL).Err()
}
