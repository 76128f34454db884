package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	getTimeout   = 2 * time.Second
	putTimeout   = 2 * time.Second
	delTimeout   = time.Second
	scanTimeout  = 5 * time.Second
	pingTimeout  = time.Second
	tagKeyPrefix = "xypriss:tag:"
)

// redisBackend implements Backend on a redis client. Tag membership is
// mirrored into redis sets so invalidation works across processes.
type redisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an established client.
func NewRedisBackend(client redis.UniversalClient) Backend {
	return &redisBackend{client: client}
}

func (r *redisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, &BackendError{Op: "get", Err: err}
	}
	return val, nil
}

func (r *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &BackendError{Op: "set", Err: err}
	}
	return nil
}

func (r *redisBackend) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, delTimeout)
	defer cancel()
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, &BackendError{Op: "del", Err: err}
	}
	return int(n), nil
}

func (r *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &BackendError{Op: "exists", Err: err}
	}
	return n > 0, nil
}

func (r *redisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, &BackendError{Op: "ttl", Err: err}
	}
	return d, nil
}

func (r *redisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return &BackendError{Op: "expire", Err: err}
	}
	return nil
}

func (r *redisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, &BackendError{Op: "keys", Err: err}
	}
	return out, nil
}

func (r *redisBackend) AddTags(ctx context.Context, key string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	for _, t := range tags {
		pipe.SAdd(ctx, tagKeyPrefix+t, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &BackendError{Op: "add-tags", Err: err}
	}
	return nil
}

func (r *redisBackend) TaggedKeys(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	set := make(map[string]struct{})
	for _, t := range tags {
		members, err := r.client.SMembers(ctx, tagKeyPrefix+t).Result()
		if err != nil {
			return nil, &BackendError{Op: "tagged-keys", Err: err}
		}
		for _, m := range members {
			set[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

func (r *redisBackend) RemoveTags(ctx context.Context, key string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, delTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	for _, t := range tags {
		pipe.SRem(ctx, tagKeyPrefix+t, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &BackendError{Op: "remove-tags", Err: err}
	}
	return nil
}

func (r *redisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &BackendError{Op: "ping", Err: err}
	}
	return nil
}

func (r *redisBackend) Close() error {
	return r.client.Close()
}
