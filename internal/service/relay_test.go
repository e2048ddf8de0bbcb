package service

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"tailscale-proxy-go/internal/metrics"
	"tailscale-proxy-go/internal/model"
)

type fakeForwarder struct {
	calls  int
	target model.Target
	req    *model.OutboundRequest
	resp   *model.ProxyResponse
	err    error
	panic  any
}

func (f *fakeForwarder) Forward(_ context.Context, target model.Target, req *model.OutboundRequest) (*model.ProxyResponse, error) {
	f.calls++
	f.target = target
	f.req = req
	if f.panic != nil {
		panic(f.panic)
	}
	return f.resp, f.err
}

type captureSink struct {
	batches []metrics.Batch
	err     error
}

func (c *captureSink) Publish(_ context.Context, b metrics.Batch) error {
	c.batches = append(c.batches, b)
	return c.err
}

func TestRelayForwardsTranslatedRequest(t *testing.T) {
	fwd := &fakeForwarder{resp: &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte("pong"),
	}}
	r := newRelay(fwd, nil, discardLogger())

	env := r.Handle(context.Background(), &model.InboundRequest{
		Method: "GET",
		Path:   "/ping",
		Headers: map[string]string{
			"ts-target-ip":   "192.168.0.1",
			"ts-target-port": "80",
			"extra":          "extra",
		},
	})

	if fwd.calls != 1 {
		t.Fatalf("forward calls = %d, want 1", fwd.calls)
	}
	wantTarget := model.Target{Host: "192.168.0.1", Port: "80", Scheme: model.SchemeAuto}
	if fwd.target != wantTarget {
		t.Errorf("target = %+v, want %+v", fwd.target, wantTarget)
	}
	if !reflect.DeepEqual(fwd.req.Header, map[string]string{"extra": "extra"}) {
		t.Errorf("outbound headers = %v, want only extra", fwd.req.Header)
	}
	if env.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", env.StatusCode)
	}
	if env.Body != base64.StdEncoding.EncodeToString([]byte("pong")) {
		t.Errorf("body = %q", env.Body)
	}
	if env.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", env.Header.Get("Content-Type"))
	}
}

func TestRelayMalformedSkipsForwardAndMetrics(t *testing.T) {
	fwd := &fakeForwarder{}
	sink := &captureSink{}
	r := newRelay(fwd, metrics.NewSidecarWithSinks("ns", sink), discardLogger())

	env := r.Handle(context.Background(), &model.InboundRequest{
		Method:  "GET",
		Path:    "/",
		Headers: map[string]string{"ts-target-port": "80", "ts-metric-service": "svc"},
	})

	if env.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", env.StatusCode)
	}
	if got := env.Header.Get(HeaderError); got != "Missing header 'ts-target-ip'" {
		t.Errorf("ts-error = %q", got)
	}
	if fwd.calls != 0 {
		t.Errorf("forward calls = %d, want 0", fwd.calls)
	}
	if len(sink.batches) != 0 {
		t.Errorf("batches = %d, want 0", len(sink.batches))
	}
}

func TestRelayMetricsOutcome(t *testing.T) {
	tests := []struct {
		name        string
		fwd         *fakeForwarder
		wantStatus  int
		wantOutcome metrics.Outcome
	}{
		{
			name:        "success",
			fwd:         &fakeForwarder{resp: &model.ProxyResponse{StatusCode: http.StatusNotFound}},
			wantStatus:  http.StatusNotFound,
			wantOutcome: metrics.OutcomeSuccess,
		},
		{
			name:        "proxy rejected",
			fwd:         &fakeForwarder{err: model.ProxyRejected(errors.New("general SOCKS server failure"))},
			wantStatus:  http.StatusInternalServerError,
			wantOutcome: metrics.OutcomeError,
		},
		{
			name:        "panic while packaging",
			fwd:         &fakeForwarder{},
			wantStatus:  http.StatusInternalServerError,
			wantOutcome: metrics.OutcomeError,
		},
		{
			name:        "panic",
			fwd:         &fakeForwarder{panic: "nil map write"},
			wantStatus:  http.StatusInternalServerError,
			wantOutcome: metrics.OutcomeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{err: errors.New("sink down")}
			r := newRelay(tt.fwd, metrics.NewSidecarWithSinks("ns", sink), discardLogger())

			env := r.Handle(context.Background(), &model.InboundRequest{
				Method: "GET",
				Path:   "/",
				Headers: map[string]string{
					"ts-target-ip":              "10.0.0.1",
					"ts-target-port":            "80",
					"ts-metric-service":         "billing",
					"ts-metric-dimension-name":  "env",
					"ts-metric-dimension-value": "prod",
				},
			})

			if env.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", env.StatusCode, tt.wantStatus)
			}
			if len(sink.batches) != 1 {
				t.Fatalf("batches = %d, want 1", len(sink.batches))
			}
			b := sink.batches[0]
			if b.Service != "billing" || b.Dimension == nil || b.Dimension.Name != "env" {
				t.Errorf("batch = %+v", b)
			}
			want := map[metrics.Outcome]int{tt.wantOutcome: 1}
			if !reflect.DeepEqual(b.Counts, want) {
				t.Errorf("counts = %v, want %v", b.Counts, want)
			}
		})
	}
}

func TestRelayPanicBecomesInternalError(t *testing.T) {
	r := newRelay(&fakeForwarder{panic: "unexpected"}, nil, discardLogger())

	env := r.Handle(context.Background(), &model.InboundRequest{
		Method:  "GET",
		Path:    "/",
		Headers: map[string]string{"ts-target-ip": "10.0.0.1", "ts-target-port": "80"},
	})

	if env.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", env.StatusCode)
	}
	if got := env.Header.Get(HeaderErrorName); got != "InternalError" {
		t.Errorf("ts-error-name = %q, want InternalError", got)
	}
	if got := env.Header.Get(HeaderErrorMessage); got != "unexpected" {
		t.Errorf("ts-error-message = %q, want unexpected", got)
	}
}
