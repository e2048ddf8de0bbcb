package service

import (
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"tailscale-proxy-go/internal/model"
)

// Control headers consumed by the relay. They are never forwarded.
const (
	HeaderTargetIP             = "ts-target-ip"
	HeaderTargetPort           = "ts-target-port"
	HeaderHTTPS                = "ts-https"
	HeaderMetricService        = "ts-metric-service"
	HeaderMetricDimensionName  = "ts-metric-dimension-name"
	HeaderMetricDimensionValue = "ts-metric-dimension-value"
)

// shadowPrefix marks a caller-supplied value for a transport-identity header.
const shadowPrefix = "ts-"

var controlHeaders = map[string]bool{
	HeaderTargetIP:             true,
	HeaderTargetPort:           true,
	HeaderHTTPS:                true,
	HeaderMetricService:        true,
	HeaderMetricDimensionName:  true,
	HeaderMetricDimensionValue: true,
}

// identityHeaders are used by the caller to sign its call to the relay.
// They never reach the destination unless supplied under shadowPrefix.
var identityHeaders = map[string]bool{
	"authorization":        true,
	"x-amz-date":           true,
	"host":                 true,
	"x-amz-content-sha256": true,
}

// Translate turns an inbound request into the destination target, the
// sanitized outbound request and the optional metrics context. It performs
// no I/O and returns a model.KindMalformedRequest error for unusable input.
func Translate(in *model.InboundRequest) (*model.Translation, error) {
	host := lookup(in.Headers, HeaderTargetIP)
	if host == "" {
		return nil, model.MissingHeader(HeaderTargetIP)
	}
	port := lookup(in.Headers, HeaderTargetPort)
	if port == "" {
		return nil, model.MissingHeader(HeaderTargetPort)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return nil, model.InvalidHeader(HeaderTargetPort)
	}

	body := in.Body
	if body != nil && in.BodyBase64 {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return nil, model.Malformed("Invalid base64 body", err)
		}
		body = decoded
	}

	return &model.Translation{
		Target: model.Target{
			Host:   host,
			Port:   port,
			Scheme: parseSchemeHint(in.Headers),
		},
		Request: &model.OutboundRequest{
			Method:   in.Method,
			Path:     in.Path,
			RawQuery: in.RawQuery,
			Header:   SanitizeHeaders(in.Headers),
			Body:     body,
		},
		Metrics: metricsContext(in.Headers),
	}, nil
}

// SanitizeHeaders builds the destination header set: control headers and
// the caller's identity headers are dropped, and shadow identity headers
// (ts-authorization, ts-host, ...) are promoted to their real names.
func SanitizeHeaders(src map[string]string) map[string]string {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst := make(map[string]string, len(src))
	for _, k := range keys {
		v := src[k]
		name := strings.ToLower(k)
		if controlHeaders[name] || identityHeaders[name] {
			continue
		}
		if real, ok := strings.CutPrefix(name, shadowPrefix); ok && identityHeaders[real] {
			dst[http.CanonicalHeaderKey(real)] = v
			continue
		}
		dst[k] = v
	}
	return dst
}

// parseSchemeHint reads ts-https: "true" forces HTTPS, any other value
// forces HTTP, absence (or an empty value) leaves the choice to the port.
func parseSchemeHint(headers map[string]string) model.SchemeHint {
	v := lookup(headers, HeaderHTTPS)
	switch {
	case v == "":
		return model.SchemeAuto
	case v == "true":
		return model.SchemeHTTPS
	default:
		return model.SchemeHTTP
	}
}

func metricsContext(headers map[string]string) *model.MetricsContext {
	service := lookup(headers, HeaderMetricService)
	if service == "" {
		return nil
	}
	mc := &model.MetricsContext{Service: service}
	name := lookup(headers, HeaderMetricDimensionName)
	value := lookup(headers, HeaderMetricDimensionValue)
	if name != "" && value != "" {
		mc.Dimension = &model.Dimension{Name: name, Value: value}
	}
	return mc
}

// lookup finds a header by case-insensitive name. An exact match wins;
// otherwise the lexically smallest matching key is used so the result does
// not depend on map iteration order.
func lookup(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	var (
		found string
		value string
	)
	for k, v := range headers {
		if strings.EqualFold(k, name) && (found == "" || k < found) {
			found, value = k, v
		}
	}
	return value
}
