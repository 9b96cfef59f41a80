package domain

import (
	"context"
	"time"
)

// Cache is the interface for short-lived shared state: alert suppression
// keys, risk state snapshots, and windowed counters.
// All methods take a tenantID for strict tenant isolation.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil when absent.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value with a TTL.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, tenantID string, key string) error

	// SetNX stores a value only if the key is absent, returning whether the
	// write happened. Used for alert suppression windows.
	SetNX(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) (bool, error)

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// EnableTwoPhase layers a local LRU in front of Redis.
	EnableTwoPhase bool

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
