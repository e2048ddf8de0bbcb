// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and header hygiene.
package middleware

import (
	"log/slog"
	"net"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Forwarded requests also log the overlay target they addressed.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			target := ""
			if host := req.Header.Get("Ts-Target-Ip"); host != "" {
				target = net.JoinHostPort(host, req.Header.Get("Ts-Target-Port"))
			}

			err := next(c)

			res := c.Response()
			level := slog.LevelInfo
			if res.Status >= 500 || err != nil {
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if target != "" {
				attrs = append(attrs, "target", target)
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
