package handler

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowrsvp-gateway/internal/config"
	"flowrsvp-gateway/internal/metrics"
)

// gatewayPaths are the canonical gateway path and the legacy rewrite aliases.
var gatewayPaths = []string{"/api/proxy", "/proxy-to-gas", "/macros/*"}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, gw *GatewayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)
	e.GET("/api/ping", health.Ping)

	e.Pre(gw.CORS())
	mw := gw.Middleware()
	for _, p := range gatewayPaths {
		e.Any(p, gw.Handle, mw...)
	}
}

// isGatewayPath reports whether path is served by the gateway handler.
func isGatewayPath(path string) bool {
	for _, p := range gatewayPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if path == p {
			return true
		}
	}
	return false
}

// RegisterMetrics exposes the private registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
	e.GET(cfg.Metrics.Path, echo.WrapHandler(h))
}
