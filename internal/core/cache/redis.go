package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hapiai/lmslink/internal/core"
)

const (
	defaultRedisPrefix = "lmslink:cache:"
	redisScanCount     = 200
)

// RedisBackend stores cache entries in Redis under a key prefix. Entries are
// written with a Redis expiry matching their TTL.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

type redisEntry struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
	TTLMs    int64     `json:"ttl_ms"`
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisBackend(client, prefix), nil
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

// CheckHealth pings the server.
func (b *RedisBackend) CheckHealth(ctx context.Context) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("redis backend not connected")
	}
	return b.client.Ping(ctx).Err()
}

// GetCachedResponse returns nil when the key is absent.
func (b *RedisBackend) GetCachedResponse(ctx context.Context, key string) (*core.CacheEntry, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &core.CacheEntry{
		Key:      key,
		Value:    stored.Value,
		StoredAt: stored.StoredAt,
		TTL:      time.Duration(stored.TTLMs) * time.Millisecond,
	}, nil
}

// SetCachedResponse writes entry with an expiry equal to its TTL.
func (b *RedisBackend) SetCachedResponse(ctx context.Context, entry *core.CacheEntry) error {
	if entry == nil {
		return nil
	}
	raw, err := json.Marshal(redisEntry{
		Value:    entry.Value,
		StoredAt: entry.StoredAt.UTC(),
		TTLMs:    entry.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+entry.Key, raw, entry.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// DeleteCachedResponse removes a single key.
func (b *RedisBackend) DeleteCachedResponse(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteCachedResponses removes every key containing fragment.
func (b *RedisBackend) DeleteCachedResponses(ctx context.Context, fragment string) (int64, error) {
	return b.deleteMatching(ctx, b.prefix+"*"+escapeGlob(fragment)+"*")
}

// ClearCachedResponses removes every key under the prefix.
func (b *RedisBackend) ClearCachedResponses(ctx context.Context) error {
	_, err := b.deleteMatching(ctx, escapeGlob(b.prefix)+"*")
	return err
}

func (b *RedisBackend) deleteMatching(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := b.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
