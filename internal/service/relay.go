// Package service implements the relay core: request translation,
// SOCKS5 forwarding with retries, and response packaging.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"tailscale-proxy-go/internal/metrics"
	"tailscale-proxy-go/internal/model"
)

type forwarder interface {
	Forward(ctx context.Context, target model.Target, req *model.OutboundRequest) (*model.ProxyResponse, error)
}

// Relay runs one invocation end to end. It holds no per-request state.
type Relay struct {
	forwarder forwarder
	sidecar   *metrics.Sidecar
	logger    *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(f *Forwarder, s *metrics.Sidecar, logger *slog.Logger) *Relay {
	return newRelay(f, s, logger)
}

func newRelay(f forwarder, s *metrics.Sidecar, logger *slog.Logger) *Relay {
	return &Relay{
		forwarder: f,
		sidecar:   s,
		logger:    logger.With("component", "relay"),
	}
}

// Handle translates, forwards and packages one request. It always returns
// a well-formed envelope; failures are reported through diagnostic headers.
func (r *Relay) Handle(ctx context.Context, in *model.InboundRequest) (env *model.Envelope) {
	tr, err := Translate(in)
	if err != nil {
		r.logger.Warn("rejected request", "err", err)
		return PackageFailure(err)
	}

	rec := r.sidecar.Begin(tr.Metrics)
	counted := false
	count := func(o metrics.Outcome) {
		if !counted {
			counted = true
			rec.Count(o)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while relaying", "panic", p)
			count(metrics.OutcomeError)
			env = PackageFailure(&model.Error{Kind: model.KindInternal, Message: fmt.Sprint(p)})
		}
		if err := rec.Flush(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("metrics flush failed", "err", err)
		}
	}()

	resp, err := r.forwarder.Forward(ctx, tr.Target, tr.Request)
	if err != nil {
		count(metrics.OutcomeError)
		r.logger.Error("relay failed",
			"host", tr.Target.Host,
			"port", tr.Target.Port,
			"kind", model.KindOf(err).String(),
			"err", err,
		)
		return PackageFailure(err)
	}

	env = PackageResponse(resp)
	count(metrics.OutcomeSuccess)
	return env
}
