package store

import "time"

// Driver identifies a store backend.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverSQLite Driver = "sqlite"
)

// New creates a Store for the given driver.
// The redis driver requires WithRedisClient; the sqlite driver requires
// WithSQLitePath.
func New(driver Driver, opts ...Option) (Store, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil

	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		ttl := cfg.redisTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		return NewRedisStore(cfg.redisClient, ttl), nil

	case DriverSQLite:
		if cfg.sqlitePath == "" {
			return nil, ErrInvalidConfig
		}
		return OpenSQLiteStore(cfg.sqlitePath)

	default:
		return nil, ErrInvalidDriver
	}
}
