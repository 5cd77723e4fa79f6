// Package cache provides Redis-backed caching for reputation lookups.
//
// Keys never contain the raw client IP: the subject is hashed with keyed
// BLAKE2b before it reaches Redis. Without the deployment's hash key the
// IPv4 space cannot be enumerated back from the keys.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	// Cache key prefixes
	keyPrefix = "netdiag:reputation:"
)

// Cache provides Redis-backed reputation caching.
type Cache struct {
	client  *redis.Client
	hashKey []byte
	logger  *slog.Logger
}

// New creates a new Redis-backed cache and verifies the connection.
// hashKey keys the subject hash; replicas sharing Redis must share it. An
// empty key is replaced by a random one, so entries do not survive a restart.
func New(redisURL string, hashKey []byte, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger = logger.With("component", "cache")
	key, err := normalizeHashKey(hashKey)
	if err != nil {
		client.Close()
		return nil, err
	}
	if len(hashKey) == 0 {
		logger.Warn("no cache hash key configured, using a random key; entries will not survive a restart")
	}

	return &Cache{
		client:  client,
		hashKey: key,
		logger:  logger,
	}, nil
}

// normalizeHashKey fits key to BLAKE2b's 64-byte key limit, generating a
// random key when none is given.
func normalizeHashKey(key []byte) ([]byte, error) {
	switch {
	case len(key) == 0:
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating cache hash key: %w", err)
		}
		return key, nil
	case len(key) > blake2b.Size:
		sum := blake2b.Sum256(key)
		return sum[:], nil
	default:
		return key, nil
	}
}

// SubjectKey builds the cache key for a provider and subject.
func (c *Cache) SubjectKey(provider, subject string) string {
	return subjectKey(c.hashKey, provider, subject)
}

// subjectKey hashes subject under key. key must be at most 64 bytes.
func subjectKey(key []byte, provider, subject string) string {
	h, err := blake2b.New256(key)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(subject))
	return keyPrefix + provider + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// GetReputation retrieves a cached payload. ok is false on a miss.
func (c *Cache) GetReputation(ctx context.Context, provider, subject string) (json.RawMessage, bool, error) {
	data, err := c.client.Get(ctx, c.SubjectKey(provider, subject)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil // Cache miss
	}
	if err != nil {
		return nil, false, err
	}
	if !json.Valid(data) {
		c.logger.Warn("dropping corrupt cache entry", "provider", provider)
		_ = c.client.Del(ctx, c.SubjectKey(provider, subject)).Err()
		return nil, false, nil
	}
	return json.RawMessage(data), true, nil
}

// SetReputation stores a payload with the given TTL. A non-positive TTL skips the write.
func (c *Cache) SetReputation(ctx context.Context, provider, subject string, payload json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.SubjectKey(provider, subject), []byte(payload), ttl).Err()
}

// Purge removes every cached entry for a provider, or all entries when
// provider is empty.
func (c *Cache) Purge(ctx context.Context, provider string) (int, error) {
	pattern := keyPrefix + "*"
	if provider != "" {
		pattern = keyPrefix + provider + ":*"
	}

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
