// Package memory provides an in-process CacheStore. It is the default
// backing for the fallback cache: routing decisions are small and
// short-lived, so process-local storage is usually enough.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/quayside/quayside/pkg/store"
)

// entry is one stored value with its optional expiry.
type entry struct {
	value     []byte
	expiresAt time.Time
	hasExpiry bool
}

func (e *entry) expired(now time.Time) bool {
	return e.hasExpiry && now.After(e.expiresAt)
}

// Store is an in-memory CacheStore. Expired entries are invisible to
// reads immediately and reclaimed by a background janitor.
type Store struct {
	mu        sync.RWMutex
	data      map[string]*entry
	keyPrefix string

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates an in-memory store and starts its janitor.
func New(config *store.Config) (*Store, error) {
	if config == nil {
		config = store.DefaultConfig()
	}

	s := &Store{
		data:      make(map[string]*entry),
		keyPrefix: config.KeyPrefix,
		stopCh:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.janitor()

	return s, nil
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[s.fullKey(key)]
	if !exists || e.expired(time.Now()) {
		return nil, store.ErrKeyNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements store.CacheStore.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return store.ErrInvalidKey
	}

	e := &entry{
		value:     make([]byte, len(value)),
		hasExpiry: ttl > 0,
	}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[s.fullKey(key)] = e
	return nil
}

// Delete implements store.CacheStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return store.ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.fullKey(key))
	return nil
}

// Exists implements store.CacheStore.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, store.ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[s.fullKey(key)]
	return exists && !e.expired(time.Now()), nil
}

// TTL implements store.CacheStore.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, store.ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[s.fullKey(key)]
	if !exists || e.expired(time.Now()) {
		return 0, store.ErrKeyNotFound
	}
	if !e.hasExpiry {
		return -1, nil
	}
	return time.Until(e.expiresAt), nil
}

// Size implements store.CacheStore. Expired but not yet reclaimed
// entries do not count.
func (s *Store) Size(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var n int64
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n, nil
}

// Clear implements store.CacheStore.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*entry)
	return nil
}

// Close stops the janitor and drops all entries.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.data = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}

// janitor reclaims expired entries periodically. Reads never observe
// expired entries regardless, so the sweep interval is generous.
func (s *Store) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}
