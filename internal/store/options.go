package store

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Option is a functional option for configuring a store.
type Option func(*config)

type config struct {
	redisClient *redis.Client
	redisTTL    time.Duration
	sqlitePath  string
}

// WithRedisClient sets the Redis client for the redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *config) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL for redis session documents.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.redisTTL = ttl
	}
}

// WithSQLitePath sets the database file path for the sqlite driver.
func WithSQLitePath(path string) Option {
	return func(c *config) {
		c.sqlitePath = path
	}
}
