package clients

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xypriss/xypriss/config"
)

// NewRedisClient dials the configured redis endpoint(s) and verifies
// reachability with a ping.
func NewRedisClient(cfg config.RedisCache) (redis.UniversalClient, error) {
	addrs := cfg.Addresses()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no redis addresses configured")
	}
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: cfg.Password,
	})

	if err := r.Ping(context.Background()).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return r, nil
}
