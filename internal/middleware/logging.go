package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"streamrelay/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// For relayed requests the line also carries the media kind.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if kind, ok := c.Get(model.ContextKeyMediaKind).(model.MediaKind); ok {
				attrs = append(attrs, "kind", kind)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
