// Package middleware provides Echo middleware for logging, security, metrics
// and rate limiting.
package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// It also derives a logger tagged with the request id and stores it, together
// with the id itself, in the request context for downstream components.
// It must run after echomw.RequestID.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = req.Header.Get(echo.HeaderXRequestID)
			}
			scoped := logger.With("request_id", id)
			ctx := logging.WithContext(logging.WithRequestID(req.Context(), id), scoped)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			res := c.Response()
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", responseStatus(c, err),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if err != nil && !isClientError(err) {
				attrs = append(attrs, "err", err.Error())
			}
			scoped.Info("request", attrs...)

			return err
		}
	}
}

// responseStatus resolves the status a request ends with. When a handler
// returns an error the status has not been written yet; Echo's error handler
// does that later, so the error is inspected instead.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var pe *model.ProxyError
	if errors.As(err, &pe) {
		return pe.Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 500
}

// isClientError reports whether err is an expected, client-facing error that
// needs no extra log detail.
func isClientError(err error) bool {
	var pe *model.ProxyError
	var he *echo.HTTPError
	return errors.As(err, &pe) || errors.As(err, &he)
}
