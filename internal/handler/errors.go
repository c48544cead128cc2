package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"flowrsvp-gateway/internal/model"
)

// NewErrorHandler returns an echo.HTTPErrorHandler that renders framework
// errors (unknown routes, body limits, recovered panics) as {ok:false} envelopes.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = http.StatusText(code)
			if s, ok := he.Message.(string); ok && s != "" {
				msg = s
			}
		}
		if code == http.StatusMethodNotAllowed {
			msg = msgMethodNotAllowed
		}

		if code >= http.StatusInternalServerError {
			logger.Error("unhandled error",
				"err", err,
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
			)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, model.NewFailure(code, msg, ""))
		}
		if werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}
