package handler

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"flowrsvp-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves liveness and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Ping answers the frontend's connectivity check.
func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"pong": true})
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and which upstream and production host
// the gateway is bound to. The upstream query string is never exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	var upstreamHost string
	if u, err := url.Parse(h.cfg.Upstream.BaseURL); err == nil {
		upstreamHost = u.Host
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":          "ok",
		"version":         string(h.version),
		"upstream_host":   upstreamHost,
		"production_host": h.cfg.Origins.ProductionHost,
	})
}
