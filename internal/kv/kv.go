// internal/kv/kv.go
package kv

import (
	"context"
	"time"
)

// Store is the ephemeral key-value surface the engine needs: TTL'd strings
// and counters, sets, and pattern scans. Backed by Redis in production and
// by Memory in tests.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime, or 0 when the key has no expiry
	// or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Keys(ctx context.Context, pattern string) ([]string, error)
}
