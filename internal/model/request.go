// Package model defines shared types for the relay.
package model

// SchemeHint selects the protocol used to reach the destination.
type SchemeHint int

const (
	// SchemeAuto picks HTTPS for port 443 and HTTP otherwise.
	SchemeAuto SchemeHint = iota
	SchemeHTTP
	SchemeHTTPS
)

func (s SchemeHint) String() string {
	switch s {
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	default:
		return "auto"
	}
}

// InboundRequest is the caller's request as received by the relay.
type InboundRequest struct {
	Method   string
	Path     string
	RawQuery string
	// Headers keeps header names exactly as received.
	Headers map[string]string
	// Body is nil when the caller sent no body.
	Body []byte
	// BodyBase64 reports that Body holds base64 text rather than raw bytes.
	BodyBase64 bool
}

// Target addresses the destination inside the overlay network.
type Target struct {
	Host   string
	Port   string
	Scheme SchemeHint
}

// OutboundRequest is the sanitized request sent to the destination.
// It is built once by the translator and never mutated afterwards.
type OutboundRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   map[string]string
	Body     []byte
}

// Dimension is a single metric dimension attached to an invocation.
type Dimension struct {
	Name  string
	Value string
}

// MetricsContext is requested per invocation through control headers.
type MetricsContext struct {
	Service   string
	Dimension *Dimension
}

// Translation is the translator's output for one inbound request.
type Translation struct {
	Target  Target
	Request *OutboundRequest
	// Metrics is nil when the caller did not ask for metrics.
	Metrics *MetricsContext
}
