package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/circuitbreaker"
	"github.com/kjstillabower/weather-mcp/internal/client"
	"github.com/kjstillabower/weather-mcp/internal/config"
	"github.com/kjstillabower/weather-mcp/internal/dispatch"
	httphandler "github.com/kjstillabower/weather-mcp/internal/http"
	"github.com/kjstillabower/weather-mcp/internal/lifecycle"
	"github.com/kjstillabower/weather-mcp/internal/observability"
	"github.com/kjstillabower/weather-mcp/internal/service"
)

// initialWarmTimeout bounds the startup warm pass.
const initialWarmTimeout = 30 * time.Second

type runOptions struct {
	transport string
	configDir string
	envFile   string
}

// run wires every component, serves until ctx is done or the stdio session
// ends, then drains and shuts down.
func run(ctx context.Context, opts runOptions) error {
	transport := strings.ToLower(strings.TrimSpace(opts.transport))
	if transport != "" && !validTransport(transport) {
		return fmt.Errorf("unsupported transport %q (want http or stdio)", opts.transport)
	}
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadFrom(opts.configDir)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if transport != "" {
		cfg.Transport = transport
	}
	buildVersion := version
	if buildVersion == "dev" {
		buildVersion = cfg.ProjectVersion
	}

	logger, closeLogs, err := observability.NewLogger(observability.LoggerOptions{
		Type:        cfg.LogType,
		Dir:         cfg.LogDir,
		Level:       cfg.LogLevel,
		BackupCount: cfg.LogBackupCount,
		MaxSizeMB:   cfg.LogMaxSizeMB,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	// Runs after FlushTelemetry at the end of run.
	defer func() {
		if err := closeLogs(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}()
	restoreGlobals := zap.ReplaceGlobals(logger)
	defer restoreGlobals()

	logger.Info("starting weather-mcp",
		zap.String("version", buildVersion),
		zap.String("env", cfg.Env),
		zap.String("transport", cfg.Transport),
	)
	observability.SetServerInfo(cfg.ProjectName, buildVersion, cfg.Transport)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	store, backend, err := cache.OpenStore(runCtx, cache.StoreConfig{
		Backend:               cfg.CacheBackend,
		Dir:                   cfg.CacheDir,
		RedisURL:              cfg.RedisURL,
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	logger.Info("cache backend ready", zap.String("backend", backend), zap.Duration("ttl", cfg.CacheTTL))
	if sq, ok := store.(*cache.SQLiteStore); ok {
		go sq.RunPruner(runCtx, cfg.CachePruneInterval, logger)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			IsFailure:        client.IsUpstreamFault,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.CircuitBreakerState.Set(float64(to))
				logger.Warn("circuit breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.Set(float64(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	weatherClient, err := client.NewOpenWeatherClient(client.Options{
		APIKey:         cfg.WeatherAPIKey,
		BaseURL:        cfg.WeatherAPIURL,
		GeoURL:         cfg.GeoAPIURL,
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		RateLimitRPS:   cfg.UpstreamRateLimitRPS,
		RateLimitBurst: cfg.UpstreamRateLimitBurst,
		Breaker:        breaker,
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("weather client: %w", err)
	}

	weatherService := service.NewWeatherService(weatherClient, store, service.Options{
		WeatherTTL:      cfg.CacheTTL,
		GeocodeTTL:      cfg.GeocodeTTL,
		CoalesceTimeout: cfg.CoalesceTimeout,
		FetchTimeout:    cfg.RequestTimeout,
		DefaultUnits:    cfg.DefaultUnits,
		DefaultLang:     cfg.DefaultLang,
		Logger:          logger,
	})

	registry := dispatch.NewRegistry(cfg.RequestTimeout, logger)
	if err := dispatch.RegisterWeatherTools(registry, weatherService, dispatch.Defaults{
		Units: cfg.DefaultUnits,
		Lang:  cfg.DefaultLang,
	}); err != nil {
		_ = store.Close()
		return fmt.Errorf("register tools: %w", err)
	}
	mcpServer := dispatch.NewMCPServer(registry, cfg.ProjectName, buildVersion)
	logger.Info("tools registered", zap.Strings("tools", registry.Names()))

	var warmer *cache.CacheWarmer
	if cfg.WarmCache && len(cfg.TrackedLocations) > 0 {
		warmer = cache.NewCacheWarmer(weatherService, cfg.CacheTTL, logger)
		warmCtx, warmCancel := context.WithTimeout(runCtx, initialWarmTimeout)
		if err := warmer.Warm(warmCtx, cfg.TrackedLocations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(runCtx, cfg.TrackedLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	handler := httphandler.NewHandler(weatherClient, warmer, &httphandler.HealthConfig{
		Service:           cfg.ProjectName,
		Version:           buildVersion,
		ReadyCheckTimeout: cfg.ReadyCheckTimeout,
		ErrorRateWindow:   cfg.ErrorRateWindow,
		CacheBackend:      backend,
		CachePing:         func(ctx context.Context) error { return cache.Ping(ctx, store) },
	}, logger)

	var mcpHTTP http.Handler
	if cfg.Transport == config.TransportHTTP {
		mcpHTTP = dispatch.NewHTTPHandler(mcpServer)
	}
	limiter := httphandler.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// No WriteTimeout: /mcp event streams stay open for the session.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           httphandler.NewRouter(handler, mcpHTTP, limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stdioDone := make(chan error, 1)
	if cfg.Transport == config.TransportStdio {
		go func() {
			stdioDone <- mcpServer.Run(runCtx, &mcp.StdioTransport{})
		}()
	}

	lifecycle.SetReady(true)
	logger.Info("ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		logger.Error("server", zap.Error(err))
		lifecycle.SetFatal("http server: " + err.Error())
		runErr = err
	case err := <-stdioDone:
		if err != nil && ctx.Err() == nil {
			logger.Error("stdio transport closed", zap.Error(err))
			lifecycle.SetFatal("stdio transport: " + err.Error())
			runErr = err
		} else {
			logger.Info("stdio session ended")
		}
	}

	shutdown(srv, cfg, logger)
	cancelRun()
	if err := store.Close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	return runErr
}

// shutdown stops accepting connections and waits for in-flight requests.
func shutdown(srv *http.Server, cfg *config.Config, logger *zap.Logger) {
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
		_ = srv.Close()
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	logger.Info("shutdown complete")
}
