// Package store defines the key-value cache port backing the fallback
// cache. Drivers live under internal/store/driver.
package store

import (
	"context"
	"errors"
	"time"
)

// CacheStore is a TTL-aware key-value store.
type CacheStore interface {
	// Get retrieves a value by key. Returns ErrKeyNotFound when the key is
	// absent or its TTL has elapsed.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value under key. A ttl of zero means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a live (non-expired) entry exists for key.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time to live for a key.
	// Returns -1 if the key has no expiration, ErrKeyNotFound if absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Size returns the number of live entries.
	Size(ctx context.Context) (int64, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}

// Common store errors.
var (
	// ErrKeyNotFound is returned when a key is not found in the store.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreConnectionFailed is returned when the store backend is
	// unreachable.
	ErrStoreConnectionFailed = errors.New("store connection failed")

	// ErrInvalidKey is returned when an empty or malformed key is used.
	ErrInvalidKey = errors.New("invalid key")
)

// IsKeyNotFound checks if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// Config represents the configuration for a store.
type Config struct {
	// Driver selects the store implementation (memory, redis).
	Driver string `yaml:"driver"`

	// Address is the connection address for remote stores.
	Address string `yaml:"address"`

	// Database number for stores that support multiple databases.
	Database int `yaml:"database"`

	// Password for authentication.
	Password string `yaml:"password"`

	// Timeout for store operations.
	Timeout time.Duration `yaml:"timeout"`

	// KeyPrefix is prepended to every key stored by this instance.
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultConfig returns a default store configuration.
func DefaultConfig() *Config {
	return &Config{
		Driver:  "memory",
		Timeout: 5 * time.Second,
	}
}
