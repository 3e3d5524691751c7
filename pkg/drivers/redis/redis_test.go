package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// setupTestRedis creates a store backed by miniredis
func setupTestRedis(t *testing.T, prefix string) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	s, err := New(context.Background(), Config{Address: "redis://" + mr.Addr(), KeyPrefix: prefix})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to connect: %v", err)
	}
	return s, mr
}

func TestStore_NewUnreachable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	if _, err := New(context.Background(), Config{Address: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("New() expected error for closed server")
	}
}

func TestStore_SetGet(t *testing.T) {
	s, mr := setupTestRedis(t, "job42/")
	defer mr.Close()
	defer s.Close()

	if err := s.Set("kvs0/host", []byte("n1:7000"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	val, found, err := s.Get("kvs0/host")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() key not found")
	}
	if string(val) != "n1:7000" {
		t.Errorf("Get() = %s, want n1:7000", val)
	}

	// keys live under the configured prefix
	raw, err := mr.Get("job42/kvs0/host")
	if err != nil {
		t.Fatalf("miniredis Get() error = %v", err)
	}
	if raw != "n1:7000" {
		t.Errorf("raw value = %s, want n1:7000", raw)
	}
}

func TestStore_SetWithTTL(t *testing.T) {
	s, mr := setupTestRedis(t, "")
	defer mr.Close()
	defer s.Close()

	if err := s.Set("ttl-key", []byte("v"), 1); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(2 * time.Second)

	_, found, err := s.Get("ttl-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("Get() key should be expired but was found")
	}
}

func TestStore_DeleteExists(t *testing.T) {
	s, mr := setupTestRedis(t, "p/")
	defer mr.Close()
	defer s.Close()

	exists, err := s.Exists("missing")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true for missing key")
	}

	if err := s.Set("k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if exists, _ := s.Exists("k"); !exists {
		t.Error("Exists() = false after Set")
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if exists, _ := s.Exists("k"); exists {
		t.Error("Exists() = true after Delete")
	}
}
