package service

import (
	"errors"
	"reflect"
	"testing"

	"tailscale-proxy-go/internal/model"
)

func baseHeaders() map[string]string {
	return map[string]string{
		HeaderTargetIP:   "192.168.0.1",
		HeaderTargetPort: "80",
	}
}

func TestTranslateMissingHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		wantMsg string
	}{
		{
			name:    "no headers",
			headers: map[string]string{},
			wantMsg: "Missing header 'ts-target-ip'",
		},
		{
			name:    "port only",
			headers: map[string]string{HeaderTargetPort: "80"},
			wantMsg: "Missing header 'ts-target-ip'",
		},
		{
			name:    "ip only",
			headers: map[string]string{HeaderTargetIP: "10.0.0.1"},
			wantMsg: "Missing header 'ts-target-port'",
		},
		{
			name:    "empty ip",
			headers: map[string]string{HeaderTargetIP: "", HeaderTargetPort: "80"},
			wantMsg: "Missing header 'ts-target-ip'",
		},
		{
			name:    "port not a number",
			headers: map[string]string{HeaderTargetIP: "10.0.0.1", HeaderTargetPort: "http"},
			wantMsg: "Invalid header 'ts-target-port'",
		},
		{
			name:    "port out of range",
			headers: map[string]string{HeaderTargetIP: "10.0.0.1", HeaderTargetPort: "70000"},
			wantMsg: "Invalid header 'ts-target-port'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(&model.InboundRequest{Method: "GET", Path: "/", Headers: tt.headers})
			if err == nil {
				t.Fatal("expected error")
			}
			var relayErr *model.Error
			if !errors.As(err, &relayErr) {
				t.Fatalf("error type = %T, want *model.Error", err)
			}
			if relayErr.Kind != model.KindMalformedRequest {
				t.Errorf("kind = %v, want %v", relayErr.Kind, model.KindMalformedRequest)
			}
			if relayErr.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", relayErr.Error(), tt.wantMsg)
			}
		})
	}
}

func TestTranslateControlHeadersCaseInsensitive(t *testing.T) {
	tr, err := Translate(&model.InboundRequest{
		Method: "GET",
		Path:   "/",
		Headers: map[string]string{
			"TS-Target-IP":   "100.64.0.7",
			"Ts-Target-Port": "8443",
			"TS-HTTPS":       "true",
		},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := model.Target{Host: "100.64.0.7", Port: "8443", Scheme: model.SchemeHTTPS}
	if tr.Target != want {
		t.Errorf("target = %+v, want %+v", tr.Target, want)
	}
	if len(tr.Request.Header) != 0 {
		t.Errorf("control headers forwarded: %v", tr.Request.Header)
	}
}

func TestTranslateSchemeHint(t *testing.T) {
	tests := []struct {
		name  string
		value *string
		want  model.SchemeHint
	}{
		{"absent", nil, model.SchemeAuto},
		{"empty", ptr(""), model.SchemeAuto},
		{"true", ptr("true"), model.SchemeHTTPS},
		{"false", ptr("false"), model.SchemeHTTP},
		{"uppercase TRUE", ptr("TRUE"), model.SchemeHTTP},
		{"garbage", ptr("yes"), model.SchemeHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := baseHeaders()
			if tt.value != nil {
				h[HeaderHTTPS] = *tt.value
			}
			tr, err := Translate(&model.InboundRequest{Method: "GET", Path: "/", Headers: h})
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if tr.Target.Scheme != tt.want {
				t.Errorf("scheme = %v, want %v", tr.Target.Scheme, tt.want)
			}
		})
	}
}

func TestTranslateSanitizesHeaders(t *testing.T) {
	h := baseHeaders()
	h[HeaderHTTPS] = "false"
	h[HeaderMetricService] = "billing"
	h["Authorization"] = "AWS4-HMAC-SHA256 caller-signature"
	h["X-Amz-Date"] = "20240101T000000Z"
	h["host"] = "relay.lambda-url.aws"
	h["x-amz-content-sha256"] = "deadbeef"
	h["ts-authorization"] = "PASS THIS"
	h["ts-host"] = "internal.example"
	h["Content-Type"] = "application/json"
	h["extra"] = "extra"

	tr, err := Translate(&model.InboundRequest{Method: "POST", Path: "/v1", Headers: h})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	want := map[string]string{
		"Authorization": "PASS THIS",
		"Host":          "internal.example",
		"Content-Type":  "application/json",
		"extra":         "extra",
	}
	if !reflect.DeepEqual(tr.Request.Header, want) {
		t.Errorf("headers = %v, want %v", tr.Request.Header, want)
	}
}

func TestSanitizeHeadersDoesNotMutateInput(t *testing.T) {
	src := map[string]string{"ts-authorization": "x", "Authorization": "y", "a": "b"}
	snapshot := map[string]string{"ts-authorization": "x", "Authorization": "y", "a": "b"}

	_ = SanitizeHeaders(src)

	if !reflect.DeepEqual(src, snapshot) {
		t.Errorf("input mutated: %v", src)
	}
}

func TestTranslateNoIdentityLeak(t *testing.T) {
	h := baseHeaders()
	h["AUTHORIZATION"] = "secret"
	h["x-amz-date"] = "now"
	h["X-Amz-Content-Sha256"] = "hash"

	tr, err := Translate(&model.InboundRequest{Method: "GET", Path: "/", Headers: h})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(tr.Request.Header) != 0 {
		t.Errorf("identity headers leaked: %v", tr.Request.Header)
	}
}

func TestTranslateMetricsContext(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    *model.MetricsContext
	}{
		{
			name:    "no service",
			headers: map[string]string{HeaderMetricDimensionName: "env", HeaderMetricDimensionValue: "prod"},
			want:    nil,
		},
		{
			name:    "service only",
			headers: map[string]string{HeaderMetricService: "billing"},
			want:    &model.MetricsContext{Service: "billing"},
		},
		{
			name: "service and dimension",
			headers: map[string]string{
				HeaderMetricService:        "billing",
				HeaderMetricDimensionName:  "env",
				HeaderMetricDimensionValue: "prod",
			},
			want: &model.MetricsContext{Service: "billing", Dimension: &model.Dimension{Name: "env", Value: "prod"}},
		},
		{
			name: "dimension name without value",
			headers: map[string]string{
				HeaderMetricService:       "billing",
				HeaderMetricDimensionName: "env",
			},
			want: &model.MetricsContext{Service: "billing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := baseHeaders()
			for k, v := range tt.headers {
				h[k] = v
			}
			tr, err := Translate(&model.InboundRequest{Method: "GET", Path: "/", Headers: h})
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if !reflect.DeepEqual(tr.Metrics, tt.want) {
				t.Errorf("metrics = %+v, want %+v", tr.Metrics, tt.want)
			}
		})
	}
}

func TestTranslateBody(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		base64  bool
		want    []byte
		wantErr bool
	}{
		{"absent", nil, false, nil, false},
		{"absent base64", nil, true, nil, false},
		{"plain", []byte("hello"), false, []byte("hello"), false},
		{"base64", []byte("AAEC/w=="), true, []byte{0x00, 0x01, 0x02, 0xff}, false},
		{"invalid base64", []byte("!!!"), true, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Translate(&model.InboundRequest{
				Method:     "POST",
				Path:       "/",
				Headers:    baseHeaders(),
				Body:       tt.body,
				BodyBase64: tt.base64,
			})
			if tt.wantErr {
				if model.KindOf(err) != model.KindMalformedRequest {
					t.Fatalf("err = %v, want malformed request", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if !reflect.DeepEqual(tr.Request.Body, tt.want) {
				t.Errorf("body = %v, want %v", tr.Request.Body, tt.want)
			}
		})
	}
}

func TestTranslateDeterministic(t *testing.T) {
	h := baseHeaders()
	h["ts-authorization"] = "a"
	h["TS-Authorization"] = "b"
	h["accept"] = "*/*"
	h[HeaderMetricService] = "svc"
	in := &model.InboundRequest{Method: "PUT", Path: "/x", RawQuery: "q=1", Headers: h, Body: []byte("b")}

	first, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	for range 20 {
		again, err := Translate(in)
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("non-deterministic result:\n%+v\n%+v", first, again)
		}
	}
}

func ptr(s string) *string { return &s }
