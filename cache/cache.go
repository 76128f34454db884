// Package cache implements the layered secure cache: a bounded LRU memory
// tier, an optional redis distributed tier, value serialization with
// optional compression and AEAD encryption, and tag-based invalidation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissing is returned when the entry isn't found in the cache.
var ErrMissing = errors.New("missing cache entry")

// ErrTooLarge is wrapped into a SerializationError when a single entry
// exceeds the memory-tier capacity.
var ErrTooLarge = errors.New("entry exceeds cache capacity")

// SerializationError reports a value that could not be stored or loaded.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cache: cannot serialize entry %q: %s", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// BackendError reports a distributed-tier failure. It degrades cache health
// but never corrupts data.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cache: backend %s failed: %s", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Options control a single Set operation. A nil *Options means the cache
// instance defaults.
type Options struct {
	// TTL of zero means the instance default; negative disables expiry.
	TTL time.Duration

	Tags []string

	// Compress and Encrypt override the instance defaults when non-nil.
	Compress *bool
	Encrypt  *bool
}

// Backend is the capability surface of the distributed tier.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	AddTags(ctx context.Context, key string, tags []string) error
	TaggedKeys(ctx context.Context, tags []string) ([]string, error)
	RemoveTags(ctx context.Context, key string, tags []string) error
	Ping(ctx context.Context) error
	Close() error
}

// HealthStatus is the coarse cache health signal.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health carries the status plus human-readable details.
type Health struct {
	Status  HealthStatus
	Details string
}
