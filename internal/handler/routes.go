package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tailscale-proxy-go/internal/config"
	"tailscale-proxy-go/internal/metrics"
	"tailscale-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Relay-owned
// routes are registered before the catch-all so they are never forwarded.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	secure := middleware.SecurityHeaders()

	e.GET("/healthz", health.Healthz, secure)
	e.GET("/proxy/status", health.Status, secure)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), secure)
	}

	e.POST("/proxy/invoke", proxy.Invoke)
	e.Any("/*", proxy.Handle)
}
