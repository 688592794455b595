// Package redisx builds the shared Redis client used for checkpoints, the
// distributed stream guard and the Redis pub/sub transport.
package redisx

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a client for addr and verifies it with a PING. addr may be
// a host:port pair or a redis:// URL; an empty addr falls back to REDIS_URL
// and then localhost:6379.
func NewClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	if addr == "" {
		addr = os.Getenv("REDIS_URL")
	}
	if addr == "" {
		addr = "localhost:6379"
	}

	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	if password != "" {
		opts.Password = password
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}
