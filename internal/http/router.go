package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-mcp/internal/observability"
)

// MCPPath is where the streamable MCP endpoint is mounted.
const MCPPath = "/mcp"

// NewRouter wires the operational endpoints and the MCP endpoint. The rate
// limiter applies to /mcp only so health checks are never throttled.
func NewRouter(h *Handler, mcpHandler http.Handler, limiter *rate.Limiter, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/healthz", h.GetHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.GetReadyz).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	if mcpHandler != nil {
		router.Handle(MCPPath, RateLimitMiddleware(limiter)(MCPConnectionsMiddleware(mcpHandler)))
	}
	return router
}
