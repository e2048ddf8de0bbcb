// Package client sends destination requests through the overlay network's
// local SOCKS5 endpoint.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/proxy"

	"tailscale-proxy-go/internal/config"
	"tailscale-proxy-go/internal/metrics"
	"tailscale-proxy-go/internal/model"
)

// generalFailureReply is x/net's text for SOCKS5 reply 0x01 (RFC 1928).
// It is the only signal the library exposes for that reply code.
const generalFailureReply = "general SOCKS server failure"

// SocksClient performs one destination round trip per call. Nothing is
// pooled between calls: every request dials its own tunnel.
type SocksClient struct {
	proxyAddr   string
	dialTimeout time.Duration
	timeout     time.Duration
	tlsConfig   *tls.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewSocksClient creates a SocksClient for the configured SOCKS5 endpoint.
// The metrics parameter is optional; pass nil to disable destination metrics.
func NewSocksClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SocksClient {
	return &SocksClient{
		proxyAddr:   cfg.Socks.Address,
		dialTimeout: time.Duration(cfg.Socks.DialTimeoutSeconds) * time.Second,
		timeout:     time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		tlsConfig: &tls.Config{
			InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed overlay hosts
		},
		logger:  logger.With("component", "socks_client"),
		metrics: m,
	}
}

// Do sends req to target and reads the complete response. target.Scheme must
// already be resolved; SchemeAuto is treated as HTTP.
//
// Rejections by the local SOCKS5 endpoint are returned as
// model.KindProxyRejected, every other failure as model.KindDestination.
func (c *SocksClient) Do(ctx context.Context, target model.Target, req *model.OutboundRequest) (*model.ProxyResponse, error) {
	scheme := "http"
	if target.Scheme == model.SchemeHTTPS {
		scheme = "https"
	}

	httpReq, err := buildRequest(ctx, scheme, target, req)
	if err != nil {
		return nil, model.Destination("build destination request", err)
	}

	transport := c.newTransport()
	defer transport.CloseIdleConnections()

	hc := &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	c.logger.Debug("destination request",
		"method", httpReq.Method,
		"url", httpReq.URL.String(),
		"proxy", c.proxyAddr,
	)

	start := time.Now()
	resp, err := hc.Do(httpReq)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(httpReq.Method)
	if c.metrics != nil {
		c.metrics.DestinationDuration.WithLabelValues(method, scheme).Observe(duration)
	}

	if err != nil {
		if model.IsProxyRejected(err) {
			return nil, err
		}
		return nil, model.Destination("destination request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.Destination("read destination response", err)
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if c.metrics != nil {
		c.metrics.DestinationResponses.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}

	c.logger.Debug("destination response",
		"status", status,
		"bytes", len(body),
	)

	return &model.ProxyResponse{
		StatusCode: status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *SocksClient) newTransport() *http.Transport {
	return &http.Transport{
		DialContext:         c.dialContext,
		TLSClientConfig:     c.tlsConfig.Clone(),
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
		DisableCompression:  true,
	}
}

func (c *SocksClient) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", c.proxyAddr, nil, &net.Dialer{Timeout: c.dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}

	conn, err := cd.DialContext(ctx, network, addr)
	if err != nil {
		if isProxyRejection(err) {
			c.logger.Debug("socks5 endpoint rejected connection", "addr", addr, "err", err)
			return nil, model.ProxyRejected(err)
		}
		return nil, err
	}
	return conn, nil
}

// isProxyRejection reports whether the SOCKS5 handshake failed because the
// local endpoint refused: either the TCP connection to it was refused or it
// answered CONNECT with a general failure.
func isProxyRejection(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "socks connect" || opErr.Err == nil {
		return false
	}
	if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.HasSuffix(opErr.Err.Error(), generalFailureReply)
}

func buildRequest(ctx context.Context, scheme string, target model.Target, req *model.OutboundRequest) (*http.Request, error) {
	u, err := destinationURL(scheme, target, req.Path, req.RawQuery)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Header {
		if http.CanonicalHeaderKey(k) == "Host" {
			httpReq.Host = v
			continue
		}
		httpReq.Header.Add(k, v)
	}
	// An empty value stops net/http from adding its own User-Agent.
	if _, ok := httpReq.Header["User-Agent"]; !ok {
		httpReq.Header["User-Agent"] = []string{""}
	}

	return httpReq, nil
}

// destinationURL builds the outbound URL from an escaped path. The path is
// never re-parsed, so encoded separators such as %2F and %3F stay encoded.
func destinationURL(scheme string, target model.Target, escapedPath, rawQuery string) (*url.URL, error) {
	if escapedPath == "" {
		escapedPath = "/"
	}
	if !strings.HasPrefix(escapedPath, "/") {
		return nil, fmt.Errorf("path %q is not absolute", escapedPath)
	}
	path, err := url.PathUnescape(escapedPath)
	if err != nil {
		return nil, fmt.Errorf("unescape path %q: %w", escapedPath, err)
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(target.Host, target.Port),
		Path:     path,
		RawPath:  escapedPath,
		RawQuery: rawQuery,
	}, nil
}
