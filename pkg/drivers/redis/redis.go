package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed key-value backend for the PMI key-value service.
// Keys are namespaced under Config.KeyPrefix so several steps can share one
// Redis database.
type Store struct {
	client *redis.Client
	config Config
}

// Config holds Redis-specific configuration
type Config struct {
	Address         string        `yaml:"address" mapstructure:"address"`
	Password        string        `yaml:"password" mapstructure:"password"`
	DB              int           `yaml:"db" mapstructure:"db"`
	KeyPrefix       string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	PoolSize        int           `yaml:"pool_size" mapstructure:"pool_size"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	DialTimeout     time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}
	c.Address = strings.TrimPrefix(strings.TrimPrefix(c.Address, "redis://"), "rediss://")
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, config: cfg}, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	return s.config.KeyPrefix + k
}

// Set stores a value with optional TTL
func (s *Store) Set(key string, value []byte, ttlSeconds int64) error {
	ctx := context.Background()

	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// Get retrieves a value by key
func (s *Store) Get(key string) ([]byte, bool, error) {
	ctx := context.Background()

	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil // Key not found
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete removes a key
func (s *Store) Delete(key string) error {
	ctx := context.Background()
	return s.client.Del(ctx, s.key(key)).Err()
}

// Exists checks if a key exists
func (s *Store) Exists(key string) (bool, error) {
	ctx := context.Background()

	count, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
