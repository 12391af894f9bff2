// Package cache defines the port interface for byte-value caching.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching with per-entry TTL.
// Implementations may evict entries at any time; a miss is never an error.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
