package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders describe the caller's connection to the relay and must not
// reach the destination.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from inbound requests before the relay sees them.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			for _, v := range h.Values("Connection") {
				for _, name := range strings.Split(v, ",") {
					h.Del(strings.TrimSpace(name))
				}
			}
			for _, name := range hopByHopHeaders {
				h.Del(name)
			}
			return next(c)
		}
	}
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// the relay's own responses. Forwarded responses are left untouched.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
