package model

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// ProxyResponse is the destination's answer, captured in full.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Envelope is the caller-facing response produced by the relay.
type Envelope struct {
	StatusCode      int
	Header          http.Header
	Body            string
	IsBase64Encoded bool
}

type envelopeJSON struct {
	StatusCode      int               `json:"statusCode"`
	Headers         map[string]string `json:"headers,omitempty"`
	Cookies         []string          `json:"cookies,omitempty"`
	Body            string            `json:"body,omitempty"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
}

// MarshalJSON renders the envelope in function-URL response format: header
// names lowercased, repeated values joined, Set-Cookie moved to cookies.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := envelopeJSON{
		StatusCode:      e.StatusCode,
		Body:            e.Body,
		IsBase64Encoded: e.IsBase64Encoded,
	}

	keys := make([]string, 0, len(e.Header))
	for k := range e.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		vals := e.Header[k]
		if http.CanonicalHeaderKey(k) == "Set-Cookie" {
			out.Cookies = append(out.Cookies, vals...)
			continue
		}
		if out.Headers == nil {
			out.Headers = make(map[string]string, len(e.Header))
		}
		name := strings.ToLower(k)
		if prev, ok := out.Headers[name]; ok {
			out.Headers[name] = prev + ", " + strings.Join(vals, ", ")
			continue
		}
		out.Headers[name] = strings.Join(vals, ", ")
	}

	return json.Marshal(out)
}
