package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-mcp/internal/observability"
)

// LocationWarmer is implemented by the service layer to fetch and cache one location.
// Defined here to avoid a circular dependency on the service package.
type LocationWarmer interface {
	WarmLocation(ctx context.Context, location string) error
}

// warmConcurrency caps parallel upstream fetches during a warm pass.
const warmConcurrency = 4

// CacheWarmer prefetches tracked locations and remembers when the cache was
// last warmed so readiness can lean on it while upstream is down.
type CacheWarmer struct {
	fetcher LocationWarmer
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	lastWarmed time.Time
}

// NewCacheWarmer creates a CacheWarmer. ttl is the cache TTL: a warm pass
// older than ttl no longer counts.
func NewCacheWarmer(fetcher LocationWarmer, ttl time.Duration, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, ttl: ttl, logger: logger, now: time.Now}
}

// Warm fetches every location with bounded concurrency. The cache counts as
// warm if at least one location succeeded. Returns the joined failures.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		mu        sync.Mutex
		errs      []error
		succeeded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, loc := range locations {
		g.Go(func() error {
			err := w.fetcher.WarmLocation(gctx, loc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
			} else {
				succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	if succeeded > 0 {
		w.mu.Lock()
		w.lastWarmed = w.now()
		w.mu.Unlock()
	}

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// IsWarm reports whether a warm pass succeeded within the last TTL.
func (w *CacheWarmer) IsWarm() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.lastWarmed.IsZero() && w.now().Sub(w.lastWarmed) < w.ttl
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, locations []string, interval time.Duration) error {
	if err := w.Warm(ctx, locations); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, locations); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
