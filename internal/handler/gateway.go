// Package handler implements the HTTP surface of the gateway.
package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"flowrsvp-gateway/internal/config"
	"flowrsvp-gateway/internal/middleware"
	"flowrsvp-gateway/internal/model"
	"flowrsvp-gateway/internal/origin"
	"flowrsvp-gateway/internal/service"
)

const (
	msgForbidden        = "Forbidden — unauthorized domain"
	msgMethodNotAllowed = "Method not allowed"
)

// GatewayHandler relays verified browser calls to the upstream script.
type GatewayHandler struct {
	service   *service.GatewayService
	policy    *origin.Policy
	maxAge    int
	bodyLimit int64
	logger    *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(svc *service.GatewayService, p *origin.Policy, cfg *config.Config, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service:   svc,
		policy:    p,
		maxAge:    cfg.CORS.MaxAgeSeconds,
		bodyLimit: cfg.Server.BodyMaxBytes,
		logger:    logger.With("component", "gateway_handler"),
	}
}

// CORS returns the gateway's CORS decoration for Echo#Pre. It runs before
// routing so responses the router writes itself on gateway paths, like 405
// for extension methods, carry the headers too. Other paths are skipped.
func (h *GatewayHandler) CORS() echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper:       func(c echo.Context) bool { return !isGatewayPath(c.Request().URL.Path) },
		Policy:        h.policy,
		MaxAgeSeconds: h.maxAge,
	})
}

// Middleware returns the per-route chain for gateway paths.
func (h *GatewayHandler) Middleware() []echo.MiddlewareFunc {
	if h.bodyLimit <= 0 {
		return nil
	}
	return []echo.MiddlewareFunc{echomw.BodyLimit(fmt.Sprintf("%dB", h.bodyLimit))}
}

// Handle dispatches on method. It is registered with Any; extension methods
// Any does not cover get the router's 405, which the error handler renders
// with the same envelope.
func (h *GatewayHandler) Handle(c echo.Context) error {
	switch c.Request().Method {
	case http.MethodOptions:
		return h.Preflight(c)
	case http.MethodGet, http.MethodPost:
		return h.Forward(c)
	default:
		return c.JSON(http.StatusMethodNotAllowed, model.NewFailure(http.StatusMethodNotAllowed, msgMethodNotAllowed, ""))
	}
}

// Preflight answers CORS preflight requests. The CORS middleware has already
// written the headers; the origin is not checked here.
func (h *GatewayHandler) Preflight(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Forward verifies the caller's origin, relays the call once and writes the
// normalized envelope.
func (h *GatewayHandler) Forward(c echo.Context) error {
	req := c.Request()

	d := h.service.Decide(req.Header)
	if !d.Allowed {
		h.logger.Info("origin rejected",
			"method", req.Method,
			"origin", req.Header.Get(echo.HeaderOrigin),
			"referer", req.Referer(),
		)
		return c.JSON(http.StatusForbidden, model.NewFailure(http.StatusForbidden, msgForbidden, ""))
	}

	var body []byte
	if req.Method == http.MethodPost {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	env, err := h.service.Forward(&model.ForwardRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Origin: d.Origin,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   body,
	})
	if err != nil {
		var te *service.TransportError
		if errors.As(err, &te) {
			h.logger.Error("upstream call failed",
				"method", req.Method,
				"origin", d.Origin,
				"err", te.Detail(),
			)
			return c.JSON(http.StatusInternalServerError,
				model.NewFailure(http.StatusInternalServerError, "Proxy "+req.Method+" failed", te.Detail()))
		}
		return err
	}

	return c.JSON(env.StatusCode, env)
}
