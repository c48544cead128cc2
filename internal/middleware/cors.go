package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"flowrsvp-gateway/internal/origin"
)

const (
	corsAllowMethods = "GET,POST,OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization"
)

// CORS returns an Echo middleware that writes the gateway's CORS headers
// before the handler runs, so every response carries them, including error
// responses rendered later by the HTTP error handler.
//
// Access-Control-Allow-Origin is set only when the request's Origin passes
// the policy; it is never "*".
func CORS(p *origin.Policy, maxAgeSeconds int) echo.MiddlewareFunc {
	return CORSWithConfig(CORSConfig{Policy: p, MaxAgeSeconds: maxAgeSeconds})
}

// CORSConfig configures CORSWithConfig.
type CORSConfig struct {
	Skipper       echomw.Skipper
	Policy        *origin.Policy
	MaxAgeSeconds int
}

// CORSWithConfig returns the CORS middleware with a skipper. Registered with
// Echo#Pre it also decorates responses the router produces itself, such as
// 405 for methods no route is registered for.
func CORSWithConfig(cfg CORSConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = echomw.DefaultSkipper
	}
	p := cfg.Policy
	maxAge := strconv.Itoa(cfg.MaxAgeSeconds)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}

			h := c.Response().Header()
			h.Add(echo.HeaderVary, echo.HeaderOrigin)
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
			if c.Request().Method == http.MethodOptions {
				h.Set(echo.HeaderAccessControlMaxAge, maxAge)
			}

			if o := c.Request().Header.Get(echo.HeaderOrigin); o != "" && p.Allowed(o) {
				h.Set(echo.HeaderAccessControlAllowOrigin, o)
			}

			return next(c)
		}
	}
}
