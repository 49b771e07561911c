package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// AudioCache stores synthesized preview audio.
type AudioCache interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, key string) (audio []byte, ok bool, err error)
	Set(ctx context.Context, key string, audio []byte, ttl time.Duration) error
}

// RedisAudioCache keeps preview audio as plain Redis strings.
type RedisAudioCache struct {
	client *redis.Client
}

// NewRedisAudioCache wraps an existing client.
func NewRedisAudioCache(client *redis.Client) *RedisAudioCache {
	return &RedisAudioCache{client: client}
}

func (c *RedisAudioCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	audio, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return audio, true, nil
}

func (c *RedisAudioCache) Set(ctx context.Context, key string, audio []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, audio, ttl).Err()
}

// previewCacheKey identifies audio by voice and text.
func previewCacheKey(speaker, text string) string {
	sum := sha256.Sum256([]byte(speaker + "\x00" + text))
	return "preview:" + hex.EncodeToString(sum[:])
}
