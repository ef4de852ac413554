// Package redis provides a Redis-backed CacheStore. Sharing the fallback
// cache across router replicas lets any replica serve a cached decision
// resolved by another.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quayside/quayside/pkg/store"
)

// Store is a Redis-backed CacheStore. TTL handling is delegated to
// Redis itself.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis store and verifies connectivity.
func New(config *store.Config) (*Store, error) {
	if config == nil {
		config = store.DefaultConfig()
	}
	if config.Address == "" {
		return nil, fmt.Errorf("redis store: address is required")
	}

	opts := &redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.Database,
	}
	if config.Timeout > 0 {
		opts.DialTimeout = config.Timeout
		opts.ReadTimeout = config.Timeout
		opts.WriteTimeout = config.Timeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrStoreConnectionFailed, err)
	}

	return &Store{client: client, keyPrefix: config.KeyPrefix}, nil
}

func (s *Store) fullKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + ":" + key
}

// Get implements store.CacheStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, store.ErrInvalidKey
	}

	value, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrKeyNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Set implements store.CacheStore.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return store.ErrInvalidKey
	}

	if err := s.client.Set(ctx, s.fullKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements store.CacheStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return store.ErrInvalidKey
	}

	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Exists implements store.CacheStore.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, store.ErrInvalidKey
	}

	n, err := s.client.Exists(ctx, s.fullKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// TTL implements store.CacheStore.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, store.ErrInvalidKey
	}

	ttl, err := s.client.TTL(ctx, s.fullKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	return normalizeTTL(ttl)
}

// normalizeTTL maps the raw TTL reply onto the CacheStore contract.
// go-redis passes the server's negative replies through unconverted:
// -2 means the key is missing, -1 means it has no expiry.
func normalizeTTL(ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl == -2:
		return 0, store.ErrKeyNotFound
	case ttl < 0:
		return -1, nil
	default:
		return ttl, nil
	}
}

// Size implements store.CacheStore. It counts only keys under this
// instance's prefix.
func (s *Store) Size(ctx context.Context) (int64, error) {
	pattern := s.fullKey("*")

	var count int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Clear implements store.CacheStore. It deletes only keys under this
// instance's prefix, never the whole database.
func (s *Store) Clear(ctx context.Context) error {
	pattern := s.fullKey("*")

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
