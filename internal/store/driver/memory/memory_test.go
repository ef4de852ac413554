package memory

import (
	"context"
	"testing"
	"time"

	"github.com/quayside/quayside/pkg/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get() = %q, want v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	if _, err := s.Get(context.Background(), "nope"); !store.IsKeyNotFound(err) {
		t.Errorf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}
}

func TestExpiry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() before expiry error: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := s.Get(ctx, "k"); !store.IsKeyNotFound(err) {
		t.Errorf("Get() after expiry error = %v, want ErrKeyNotFound", err)
	}
	if exists, _ := s.Exists(ctx, "k"); exists {
		t.Error("Exists() = true after expiry")
	}
	if n, _ := s.Size(ctx); n != 0 {
		t.Errorf("Size() = %d after expiry, want 0", n)
	}
}

func TestOverwriteRestartsTTL(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v1"), 20*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	s.Set(ctx, "k", []byte("v2"), 20*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	// 30ms after the first write, but only 15ms after the second.
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error: %v; overwrite must restart the TTL", err)
	}
	if string(got) != "v2" {
		t.Errorf("Get() = %q, want v2", got)
	}
}

func TestTTL(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Set(ctx, "forever", []byte("v"), 0)
	if ttl, err := s.TTL(ctx, "forever"); err != nil || ttl != -1 {
		t.Errorf("TTL(no expiry) = (%v, %v), want -1", ttl, err)
	}

	s.Set(ctx, "k", []byte("v"), time.Minute)
	ttl, err := s.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v, want (0, 1m]", ttl)
	}

	if _, err := s.TTL(ctx, "missing"); !store.IsKeyNotFound(err) {
		t.Errorf("TTL(missing) error = %v, want ErrKeyNotFound", err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Set(ctx, "a", []byte("1"), 0)
	s.Set(ctx, "b", []byte("2"), 0)

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete(absent) error: %v, want nil", err)
	}
	if n, _ := s.Size(ctx); n != 1 {
		t.Errorf("Size() = %d, want 1", n)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if n, _ := s.Size(ctx); n != 0 {
		t.Errorf("Size() after Clear = %d, want 0", n)
	}
}

func TestEmptyKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "", []byte("v"), 0); err != store.ErrInvalidKey {
		t.Errorf("Set(empty key) error = %v, want ErrInvalidKey", err)
	}
	if _, err := s.Get(ctx, ""); err != store.ErrInvalidKey {
		t.Errorf("Get(empty key) error = %v, want ErrInvalidKey", err)
	}
}

func TestKeyPrefixIsolation(t *testing.T) {
	a, err := New(&store.Config{KeyPrefix: "a"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	a.Set(ctx, "k", []byte("v"), 0)
	got, err := a.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Errorf("prefixed Get() = (%q, %v), want v", got, err)
	}
}

func TestValueIsCopied(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	value := []byte("original")
	s.Set(ctx, "k", value, 0)
	value[0] = 'X'

	got, _ := s.Get(ctx, "k")
	if string(got) != "original" {
		t.Errorf("stored value aliased caller's buffer: %q", got)
	}
}
