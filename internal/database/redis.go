package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClients holds the two redis connections the pipeline needs: one for
// the tagged query cache, one dedicated to the broadcast bridge so pub/sub
// blocking never starves cache traffic.
type RedisClients struct {
	Cache  *redis.Client
	Bridge *redis.Client
}

func NewRedisClients(redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cacheClient := redis.NewClient(opt)
	if err := cacheClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis (cache): %w", err)
	}

	bridgeOpt := *opt
	bridgeClient := redis.NewClient(&bridgeOpt)
	if err := bridgeClient.Ping(ctx).Err(); err != nil {
		cacheClient.Close()
		return nil, fmt.Errorf("failed to ping Redis (bridge): %w", err)
	}

	return &RedisClients{
		Cache:  cacheClient,
		Bridge: bridgeClient,
	}, nil
}

func (r *RedisClients) Close() {
	r.Cache.Close()
	r.Bridge.Close()
}
