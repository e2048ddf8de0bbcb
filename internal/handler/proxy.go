package handler

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"tailscale-proxy-go/internal/model"
	"tailscale-proxy-go/internal/service"
)

// skipResponseHeaders are set by the relay's own server when the envelope
// is written back as a plain HTTP response.
var skipResponseHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// ProxyHandler feeds inbound requests into the relay.
type ProxyHandler struct {
	relay  *service.Relay
	logger *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(relay *service.Relay, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		relay:  relay,
		logger: logger.With("component", "proxy_handler"),
	}
}

// Invoke accepts a JSON invocation event and answers with the JSON response
// envelope. Warmer pings are acknowledged without forwarding.
func (h *ProxyHandler) Invoke(c echo.Context) error {
	var ev model.InvocationEvent
	if err := c.Bind(&ev); err != nil {
		h.logger.Warn("invalid invocation payload", "err", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid invocation payload")
	}

	if ev.Warmer {
		h.logger.Debug("warmer ping", "index", ev.WarmerIndex, "timestamp", ev.WarmerTimestamp)
		return c.NoContent(http.StatusOK)
	}

	env := h.relay.Handle(c.Request().Context(), ev.InboundRequest())
	return c.JSON(http.StatusOK, env)
}

// Handle treats the inbound HTTP request itself as the envelope and writes
// the destination's response back as-is.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	in := &model.InboundRequest{
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Headers:  flattenHeader(req),
	}
	if len(body) > 0 {
		in.Body = body
	}

	return h.writeEnvelope(c, h.relay.Handle(req.Context(), in))
}

func (h *ProxyHandler) writeEnvelope(c echo.Context, env *model.Envelope) error {
	body := []byte(env.Body)
	if env.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return fmt.Errorf("decode envelope body: %w", err)
		}
		body = decoded
	}

	dst := c.Response().Header()
	for key, vals := range env.Header {
		if skipResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(env.StatusCode)
	if _, err := c.Response().Write(body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

// flattenHeader lowercases header names and joins repeated values with a
// comma, matching the function-URL event form.
func flattenHeader(req *http.Request) map[string]string {
	headers := make(map[string]string, len(req.Header)+1)
	for key, vals := range req.Header {
		headers[strings.ToLower(key)] = strings.Join(vals, ",")
	}
	if req.Host != "" {
		headers["host"] = req.Host
	}
	return headers
}
