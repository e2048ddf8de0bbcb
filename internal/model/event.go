package model

// InvocationEvent is the JSON envelope accepted by the invoke endpoint. It
// follows the function-URL event layout so existing callers can post the
// same payload they would send to a hosted function.
type InvocationEvent struct {
	// Warmer marks a keep-alive ping; such events are acknowledged without
	// any forwarding.
	Warmer          bool   `json:"warmer,omitempty"`
	WarmerIndex     int    `json:"warmerIndex,omitempty"`
	WarmerTimestamp string `json:"warmerTimestamp,omitempty"`

	RawPath         string            `json:"rawPath,omitempty"`
	RawQueryString  string            `json:"rawQueryString,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            *string           `json:"body,omitempty"`
	IsBase64Encoded bool              `json:"isBase64Encoded,omitempty"`
	RequestContext  RequestContext    `json:"requestContext"`
}

// RequestContext carries the HTTP line of the original call.
type RequestContext struct {
	HTTP HTTPContext `json:"http"`
}

// HTTPContext holds the method and path of the original call.
type HTTPContext struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// InboundRequest converts the event into the relay's request form.
// The path from the request context wins over rawPath when both are set.
func (ev *InvocationEvent) InboundRequest() *InboundRequest {
	path := ev.RequestContext.HTTP.Path
	if path == "" {
		path = ev.RawPath
	}

	headers := make(map[string]string, len(ev.Headers))
	for k, v := range ev.Headers {
		headers[k] = v
	}

	in := &InboundRequest{
		Method:     ev.RequestContext.HTTP.Method,
		Path:       path,
		RawQuery:   ev.RawQueryString,
		Headers:    headers,
		BodyBase64: ev.IsBase64Encoded,
	}
	if ev.Body != nil {
		in.Body = []byte(*ev.Body)
	}
	return in
}
