package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"tailscale-proxy-go/internal/config"
)

// RateLimiter returns a per-IP rate limiting middleware. Denied requests get
// 429 with a ts-error header, like any other relay-side rejection.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			logger.Warn("rate limit exceeded", "remote_ip", identifier)
			c.Response().Header().Set("ts-error", "Rate limit exceeded")
			return c.NoContent(http.StatusTooManyRequests)
		},
	})
}
