package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-mcp/internal/observability"
)

// Entry is a cacheable value that knows when it was fetched upstream.
type Entry interface {
	FetchTime() time.Time
}

// Source tells a caller where a value came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceUpstream  Source = "upstream"
	SourceCoalesced Source = "coalesced"
)

// Options configures a Cache.
type Options struct {
	// Name labels metrics and logs (e.g. "weather", "geocode").
	Name string
	TTL  time.Duration
	// CoalesceTimeout bounds how long a caller waits on an in-flight fetch.
	CoalesceTimeout time.Duration
	// FetchTimeout bounds the detached upstream fetch. Zero means no bound.
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// Cache is a TTL cache over a Store with one in-flight fetch per key.
// A value is fresh while now - fetchedAt < TTL.
type Cache[V Entry] struct {
	store        Store
	name         string
	ttl          time.Duration
	fetchTimeout time.Duration
	flights      *flightGroup[fetched[V]]
	logger       *zap.Logger
	now          func() time.Time
}

type fetched[V any] struct {
	val V
	src Source
}

// New builds a Cache on store.
func New[V Entry](store Store, opts Options) *Cache[V] {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache[V]{
		store:        store,
		name:         opts.Name,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		flights:      newFlightGroup[fetched[V]](opts.CoalesceTimeout),
		logger:       opts.Logger.With(zap.String("cache", opts.Name)),
		now:          time.Now,
	}
}

// TTL returns the freshness window.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// Get returns the fresh value for key. Absent, expired, corrupt and
// unreadable entries are all misses.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	v, ok := c.lookup(ctx, key)
	c.countLookup(ok)
	return v, ok
}

// Put stores v under key. Failures are logged and counted; callers may ignore them.
func (c *Cache[V]) Put(ctx context.Context, key string, v V) error {
	fetchedAt := v.FetchTime()
	if fetchedAt.IsZero() {
		fetchedAt = c.now()
	}
	data, err := encodeEnvelope(key, fetchedAt, v)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(c.name, "encode").Inc()
		c.logger.Error("cache encode failed", zap.String("key", key), zap.Error(err))
		return err
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues(c.name, "set").Inc()
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

type fetchHookKey struct{}

// WithFetchHook returns a context on which GetOrFetch calls fn as soon as the
// caller misses the cache and starts an upstream fetch or joins one already in
// flight. coalesced is true for a join. fn runs on the caller's goroutine.
func WithFetchHook(ctx context.Context, fn func(coalesced bool)) context.Context {
	return context.WithValue(ctx, fetchHookKey{}, fn)
}

func fetchHook(ctx context.Context) func(leader bool) {
	fn, ok := ctx.Value(fetchHookKey{}).(func(coalesced bool))
	if !ok || fn == nil {
		return nil
	}
	return func(leader bool) { fn(!leader) }
}

// GetOrFetch returns a fresh cached value or runs fetch once for all
// concurrent callers of key. Successful results are stored; errors never are.
// The elected fetch keeps running if ctx is cancelled.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, Source, error) {
	if v, ok := c.lookup(ctx, key); ok {
		c.countLookup(true)
		return v, SourceCache, nil
	}
	c.countLookup(false)

	res, leader, err := c.flights.do(ctx, key, func(fctx context.Context) (fetched[V], error) {
		// Another flight or replica may have filled the key since our miss.
		if v, ok := c.lookup(fctx, key); ok {
			return fetched[V]{val: v, src: SourceCache}, nil
		}
		if c.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, c.fetchTimeout)
			defer cancel()
		}
		v, err := fetch(fctx)
		if err != nil {
			return fetched[V]{}, err
		}
		_ = c.Put(fctx, key, v)
		return fetched[V]{val: v, src: SourceUpstream}, nil
	}, fetchHook(ctx))
	if err != nil {
		var zero V
		if errors.Is(err, errFetchPanic) {
			c.logger.Error("cache fetch panicked", zap.String("key", key), zap.Error(err))
		}
		return zero, "", err
	}
	if !leader {
		observability.CacheCoalescedTotal.WithLabelValues(c.name).Inc()
		return res.val, SourceCoalesced, nil
	}
	return res.val, res.src, nil
}

// Delete removes key from the backing store.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

func (c *Cache[V]) lookup(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			observability.CacheErrorsTotal.WithLabelValues(c.name, "get").Inc()
			c.logger.Warn("cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var v V
	fetchedAt, err := decodeEnvelope(key, raw, &v)
	if err != nil {
		observability.CacheCorruptionsTotal.WithLabelValues(c.name).Inc()
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		if derr := c.store.Delete(ctx, key); derr != nil {
			observability.CacheErrorsTotal.WithLabelValues(c.name, "delete").Inc()
		}
		return zero, false
	}
	if c.now().Sub(fetchedAt) >= c.ttl {
		return zero, false
	}
	return v, true
}

func (c *Cache[V]) countLookup(hit bool) {
	if hit {
		observability.CacheHitsTotal.WithLabelValues(c.name).Inc()
		return
	}
	observability.CacheMissesTotal.WithLabelValues(c.name).Inc()
}
