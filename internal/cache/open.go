package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Backend names accepted by OpenStore.
const (
	BackendSQLite    = "sqlite"
	BackendInMemory  = "in_memory"
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Backend               string
	Dir                   string
	RedisURL              string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
}

// OpenStore opens the configured backend. When the backend cannot be opened
// the process starts with an empty in-memory store instead of failing; the
// returned name is the backend actually in use.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Store, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case BackendInMemory:
		return NewInMemoryStore(), BackendInMemory, nil
	case BackendSQLite, "":
		store, err = OpenSQLiteStore(ctx, cfg.Dir, logger)
		cfg.Backend = BackendSQLite
	case BackendRedis:
		store, err = NewRedisStore(ctx, cfg.RedisURL)
	case BackendMemcached:
		store, err = NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
	default:
		return nil, "", fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	if err != nil {
		logger.Error("cache backend unavailable, falling back to in_memory",
			zap.String("backend", cfg.Backend),
			zap.Error(err),
		)
		return NewInMemoryStore(), BackendInMemory, nil
	}
	return store, cfg.Backend, nil
}

// Ping checks backend reachability. Backends without a connection, such as
// the in-memory store, always report healthy.
func Ping(ctx context.Context, s Store) error {
	switch st := s.(type) {
	case interface{ Ping(context.Context) error }:
		return st.Ping(ctx)
	case interface{ Ping() error }:
		return st.Ping()
	}
	return nil
}
