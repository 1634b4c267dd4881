// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and request hygiene.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"cnb-proxy-go/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Requests the proxy settled carry the outcome and, when deferred, the reason.
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
			if outcome, ok := c.Get(model.OutcomeKey).(string); ok {
				attrs = append(attrs, "outcome", outcome)
			}
			if reason, ok := c.Get(model.DeferReasonKey).(string); ok {
				attrs = append(attrs, "defer_reason", reason)
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
