package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-mcp/internal/client"
	"github.com/kjstillabower/weather-mcp/internal/lifecycle"
	"github.com/kjstillabower/weather-mcp/internal/observability"
	"github.com/kjstillabower/weather-mcp/internal/traffic"
)

// Readiness and liveness status values.
const (
	StatusAlive                   = "alive"
	StatusUnhealthy               = "unhealthy"
	StatusReady                   = "ready"
	StatusNotReady                = "not_ready"
	StatusShuttingDown            = "shutting_down"
	StatusWeatherAPIUnavailable   = "weather_api_unavailable"
	StatusErrorCheckingWeatherAPI = "error_checking_weather_api"
)

// Pinger checks upstream reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WarmChecker reports whether the cache holds a recent warm pass.
type WarmChecker interface {
	IsWarm() bool
}

// HealthConfig holds readiness settings for the health handler.
type HealthConfig struct {
	Service string
	Version string
	// ReadyCheckTimeout bounds the upstream ping on /readyz.
	ReadyCheckTimeout time.Duration
	// ErrorRateWindow is the window for the tool error rate in the /readyz body.
	ErrorRateWindow time.Duration
	// CacheBackend is the store actually in use; reported in the body.
	CacheBackend string
	// CachePing, when set, is called to check cache reachability.
	CachePing func(ctx context.Context) error
}

// Handler serves the operational endpoints.
type Handler struct {
	upstream Pinger
	warm     WarmChecker
	cfg      HealthConfig
	logger   *zap.Logger

	readyStatusMu   sync.Mutex
	readyStatusPrev string
}

// NewHandler returns a new Handler. warm may be nil when cache warming is off.
func NewHandler(upstream Pinger, warm WarmChecker, cfg *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{upstream: upstream, warm: warm, logger: logger}
	if cfg != nil {
		h.cfg = *cfg
	}
	if h.cfg.ReadyCheckTimeout <= 0 {
		h.cfg.ReadyCheckTimeout = 2 * time.Second
	}
	if h.cfg.ErrorRateWindow <= 0 {
		h.cfg.ErrorRateWindow = time.Minute
	}
	return h
}

// GetHealthz handles GET /healthz. It makes no external calls.
func (h *Handler) GetHealthz(w http.ResponseWriter, r *http.Request) {
	observability.LoggerFromContext(r.Context()).Debug("health check endpoint called")
	if reason, ok := lifecycle.Fatal(); ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": StatusUnhealthy,
			"reason": reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusAlive})
}

// readyResult holds the computed readiness and metadata for logging.
type readyResult struct {
	status     string
	statusCode int
	reason     string
	weatherAPI string
	warm       bool
}

// GetReadyz handles GET /readyz.
func (h *Handler) GetReadyz(w http.ResponseWriter, r *http.Request) {
	result := h.computeReadiness(r.Context())

	h.readyStatusMu.Lock()
	prev := h.readyStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("readiness status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.readyStatusPrev = result.status
	h.readyStatusMu.Unlock()

	checks := map[string]string{}
	if result.weatherAPI != "" {
		checks["weatherApi"] = result.weatherAPI
	}
	if result.warm {
		checks["cache"] = "warm"
	} else if h.cfg.CachePing != nil {
		checks["cache"] = "healthy"
		if err := h.cfg.CachePing(r.Context()); err != nil {
			checks["cache"] = "unhealthy"
		}
	}

	rate := traffic.ErrorRate(h.cfg.ErrorRateWindow)
	resp := map[string]interface{}{
		"status":  result.status,
		"service": h.cfg.Service,
		"version": h.cfg.Version,
		"checks":  checks,
		"errorRate": map[string]interface{}{
			"errors": rate.Errors,
			"total":  rate.Total,
			"ratio":  rate.Ratio(),
			"window": h.cfg.ErrorRateWindow.String(),
		},
		"rateLimitDenied": traffic.DenialCount(h.cfg.ErrorRateWindow),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if h.cfg.CacheBackend != "" {
		resp["cacheBackend"] = h.cfg.CacheBackend
	}
	writeJSON(w, result.statusCode, resp)
}

// computeReadiness evaluates readiness in priority order:
// not initialized > shutting down > upstream reachable > cache warm > unavailable.
func (h *Handler) computeReadiness(ctx context.Context) readyResult {
	if !lifecycle.IsReady() {
		return readyResult{status: StatusNotReady, statusCode: http.StatusServiceUnavailable, reason: "initializing"}
	}
	if lifecycle.IsShuttingDown() {
		return readyResult{status: StatusShuttingDown, statusCode: http.StatusServiceUnavailable, reason: "signal"}
	}

	err := h.ping(ctx)
	if err == nil {
		return readyResult{status: StatusReady, statusCode: http.StatusOK, weatherAPI: "healthy"}
	}
	observability.LoggerFromContext(ctx).Debug("readiness upstream ping failed", zap.Error(err))

	if h.warm != nil && h.warm.IsWarm() {
		return readyResult{status: StatusReady, statusCode: http.StatusOK, reason: "cache_warm", weatherAPI: "unhealthy", warm: true}
	}
	if errors.Is(err, client.ErrUnreachable) || errors.Is(err, client.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return readyResult{status: StatusErrorCheckingWeatherAPI, statusCode: http.StatusServiceUnavailable, reason: string(client.CategorizeError(err)), weatherAPI: "unhealthy"}
	}
	return readyResult{status: StatusWeatherAPIUnavailable, statusCode: http.StatusServiceUnavailable, reason: string(client.CategorizeError(err)), weatherAPI: "unhealthy"}
}

func (h *Handler) ping(ctx context.Context) error {
	if h.upstream == nil {
		return client.ErrUpstreamFailure
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ReadyCheckTimeout)
	defer cancel()
	return h.upstream.Ping(ctx)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}
