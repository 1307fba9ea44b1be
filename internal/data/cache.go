package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache key prefixes. Counter keys additionally embed the window boundary so
// that parallel windows never collide.
const (
	// CacheKeyHealth is the prefix for circuit-breaker snapshots: health:{providerID}
	CacheKeyHealth = "health"
	// CacheKeyCost is the prefix for spend counters: cost:{window}:{subject}:{boundary}
	CacheKeyCost = "cost"
	// CacheKeySticky is the prefix for session pins: sticky:{sessionID}
	CacheKeySticky = "sticky"
	// CacheKeySessions is the prefix for session membership: sessions:{scope}:{id}
	CacheKeySessions = "sessions"
)

// Cache TTL durations.
const (
	// TTLHealthSnapshot keeps circuit snapshots long enough for a restarted
	// process or a peer instance to rehydrate.
	TTLHealthSnapshot = 24 * time.Hour
	// TTLSticky is the session-affinity inactivity window.
	TTLSticky = 5 * time.Minute
	// TTLHourBucket covers the 5h rolling window's hourly buckets.
	TTLHourBucket = 6 * time.Hour
)

// ErrCacheNotFound is returned when a cache key does not exist
var ErrCacheNotFound = errors.New("cache: key not found")

// ErrCacheUnavailable is returned when the cache itself cannot be reached;
// callers decide the fail-open policy.
var ErrCacheUnavailable = errors.New("cache: unavailable")

// CacheClient defines the interface for JSON-blob cache operations.
// Implementations must be thread-safe.
type CacheClient interface {
	// Get retrieves a value from cache and deserializes it into dest.
	// Returns ErrCacheNotFound if key doesn't exist.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with the specified TTL (0 = no expiry).
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in cache.
	Exists(ctx context.Context, key string) (bool, error)
}

// redisCache is the Redis-based implementation of CacheClient.
type redisCache struct {
	client *redis.Client
}

// NewCacheClient creates a new Redis-based cache client.
// If the Redis client is nil, cache operations fail with ErrCacheUnavailable.
func NewCacheClient(rdb *redis.Client) CacheClient {
	return &redisCache{
		client: rdb,
	}
}

// Get retrieves a value from cache and deserializes it into dest.
func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return ErrCacheUnavailable
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Set stores a value in cache with the specified TTL.
func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return ErrCacheUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}

	return nil
}

// Delete removes a key from cache.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		return ErrCacheUnavailable
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}

	return nil
}

// Exists checks if a key exists in cache.
func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client == nil {
		return false, ErrCacheUnavailable
	}

	count, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: failed to check existence of key %s: %w", key, err)
	}

	return count > 0, nil
}

// BuildCacheKey constructs a cache key with the appropriate prefix.
// Examples:
//   - BuildCacheKey(CacheKeyHealth, "42") -> "health:42"
//   - BuildCacheKey(CacheKeyCost, "daily", "key:7", "2025-06-11") -> "cost:daily:key:7:2025-06-11"
func BuildCacheKey(prefix string, parts ...string) string {
	key := prefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}
