//go:build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/client"
	"github.com/kjstillabower/weather-mcp/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey         string
	BaseURL        string
	GeoURL         string
	CacheBackend   string // in_memory (default), sqlite, redis or memcached
	RedisURL       string
	MemcachedAddrs string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if OPENWEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}
	return IntegrationTestConfig{
		APIKey:         apiKey,
		BaseURL:        os.Getenv("OPENWEATHER_BASE_URL"),
		GeoURL:         os.Getenv("OPENWEATHER_GEO_BASE_URL"),
		CacheBackend:   envOr("INTEGRATION_CACHE_BACKEND", cache.BackendInMemory),
		RedisURL:       envOr("REDIS_URL", "redis://localhost:6379/0"),
		MemcachedAddrs: envOr("MEMCACHED_ADDRS", "localhost:11211"),
	}
}

// SetupIntegrationClient creates a live OpenWeather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(client.Options{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		GeoURL:  cfg.GeoURL,
		Timeout: 5 * time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService creates a fully configured service on the
// configured cache backend. An unreachable backend falls back to in_memory,
// as it does in production. The store is closed on test cleanup.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, cache.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	store, backend, err := cache.OpenStore(context.Background(), cache.StoreConfig{
		Backend:               cfg.CacheBackend,
		Dir:                   t.TempDir(),
		RedisURL:              cfg.RedisURL,
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      500 * time.Millisecond,
		MemcachedMaxIdleConns: 2,
	}, logger)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	t.Logf("using %s cache", backend)

	svc := service.NewWeatherService(SetupIntegrationClient(t, cfg), store, service.Options{
		WeatherTTL: 5 * time.Minute,
		Logger:     logger,
	})
	return svc, store
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
