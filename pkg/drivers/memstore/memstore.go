package memstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemStore is an in-process key-value backend for the PMI key-value service.
type MemStore struct {
	data     sync.Map
	ttl      sync.Map // key -> expiration time
	count    atomic.Int64
	config   Config
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config holds memstore configuration.
type Config struct {
	MaxKeys       int           `yaml:"max_keys"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// New creates a MemStore, applying defaults to unset fields.
func New(cfg Config) *MemStore {
	if cfg.MaxKeys == 0 {
		cfg.MaxKeys = 10000 // Default: 10k keys
	}
	if cfg.CleanupPeriod == 0 {
		cfg.CleanupPeriod = 60 * time.Second
	}
	return &MemStore{
		config: cfg,
		stopCh: make(chan struct{}),
	}
}

// Start runs TTL cleanup until ctx is done or Stop is called.
func (m *MemStore) Start(ctx context.Context) {
	go m.cleanupExpiredKeys(ctx)
}

// Stop ends TTL cleanup and drops all data.
func (m *MemStore) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.data.Range(func(key, _ interface{}) bool {
		m.remove(key)
		return true
	})
}

// Len returns the number of stored keys.
func (m *MemStore) Len() int {
	return int(m.count.Load())
}

// Set stores a value with optional TTL
func (m *MemStore) Set(key string, value []byte, ttlSeconds int64) error {
	_, loaded := m.data.Load(key)
	if !loaded && m.Len() >= m.config.MaxKeys {
		return fmt.Errorf("capacity limit reached: %d keys", m.config.MaxKeys)
	}

	v := append([]byte(nil), value...)
	if _, loaded := m.data.Swap(key, v); !loaded {
		m.count.Add(1)
	}

	if ttlSeconds > 0 {
		m.ttl.Store(key, time.Now().Add(time.Duration(ttlSeconds)*time.Second))
	} else {
		m.ttl.Delete(key)
	}
	return nil
}

// Get retrieves a value by key
func (m *MemStore) Get(key string) ([]byte, bool, error) {
	if m.expired(key, time.Now()) {
		m.remove(key)
		return nil, false, nil
	}
	value, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	return value.([]byte), true, nil
}

// Delete removes a key
func (m *MemStore) Delete(key string) error {
	m.remove(key)
	return nil
}

// Exists checks if a key exists (and is not expired)
func (m *MemStore) Exists(key string) (bool, error) {
	_, ok, err := m.Get(key)
	return ok, err
}

func (m *MemStore) expired(key interface{}, now time.Time) bool {
	exp, ok := m.ttl.Load(key)
	return ok && now.After(exp.(time.Time))
}

func (m *MemStore) remove(key interface{}) {
	if _, loaded := m.data.LoadAndDelete(key); loaded {
		m.count.Add(-1)
	}
	m.ttl.Delete(key)
}

func (m *MemStore) cleanupExpiredKeys(ctx context.Context) {
	ticker := time.NewTicker(m.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.ttl.Range(func(key, _ interface{}) bool {
				if m.expired(key, now) {
					m.remove(key)
				}
				return true
			})
		}
	}
}
