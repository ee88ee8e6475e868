package cache

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewClient returns nil when addr is empty so callers can treat redis as optional.
func NewClient(addr string) *redis.Client {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}
