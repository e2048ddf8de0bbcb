package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"tailscale-proxy-go/internal/client"
	"tailscale-proxy-go/internal/metrics"
	"tailscale-proxy-go/internal/model"
)

// retrySchedule is the wait before each retry after the local SOCKS5
// endpoint rejected a connection. Its length bounds the number of retries.
var retrySchedule = [...]time.Duration{
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	3000 * time.Millisecond,
}

// RetrySchedule returns a copy of the backoff schedule.
func RetrySchedule() []time.Duration {
	s := retrySchedule
	return s[:]
}

// Doer performs a single destination round trip.
type Doer interface {
	Do(ctx context.Context, target model.Target, req *model.OutboundRequest) (*model.ProxyResponse, error)
}

// Forwarder sends outbound requests through the SOCKS5 endpoint, retrying
// transient rejections on a fixed schedule.
type Forwarder struct {
	client  Doer
	backoff []time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a Forwarder using the standard retry schedule.
// The metrics parameter is optional.
func NewForwarder(c *client.SocksClient, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return newForwarder(c, RetrySchedule(), logger, m)
}

func newForwarder(c Doer, backoff []time.Duration, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client:  c,
		backoff: backoff,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}
}

// ResolveScheme returns the scheme to use: an explicit hint wins, otherwise
// port 443 means HTTPS and anything else HTTP.
func ResolveScheme(hint model.SchemeHint, port string) model.SchemeHint {
	if hint != model.SchemeAuto {
		return hint
	}
	if n, err := strconv.Atoi(port); err == nil && n == 443 {
		return model.SchemeHTTPS
	}
	return model.SchemeHTTP
}

// rejectionClassifier retries transient SOCKS5 rejections and nothing else.
type rejectionClassifier struct{}

func (rejectionClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case model.IsProxyRejected(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// retryState lives for one Forward call.
type retryState struct {
	attempts int
	delay    time.Duration
}

// Forward performs the request, retrying while the SOCKS5 endpoint rejects
// the connection and the schedule has entries left. At most
// 1+len(schedule) attempts are made, strictly one after another.
func (f *Forwarder) Forward(ctx context.Context, target model.Target, req *model.OutboundRequest) (*model.ProxyResponse, error) {
	target.Scheme = ResolveScheme(target.Scheme, target.Port)

	f.logger.Debug("forwarding request",
		"host", target.Host,
		"port", target.Port,
		"scheme", target.Scheme.String(),
		"method", req.Method,
		"path", req.Path,
	)

	var (
		resp  *model.ProxyResponse
		state retryState
	)
	r := retrier.New(f.backoff, rejectionClassifier{})
	err := r.RunCtx(ctx, func(ctx context.Context) error {
		var err error
		resp, err = f.client.Do(ctx, target, req)
		state.attempts++
		if model.IsProxyRejected(err) {
			f.onRejection(&state, err)
		}
		return err
	})

	if err != nil {
		if model.IsProxyRejected(err) {
			f.logger.Error("socks5 proxy rejected connection, giving up",
				"attempts", state.attempts,
				"total_delay_ms", state.delay.Milliseconds(),
			)
			return nil, &model.Error{
				Kind:    model.KindProxyRejected,
				Message: fmt.Sprintf("retries exhausted after %d attempts", state.attempts),
				Cause:   err,
			}
		}
		return nil, err
	}

	if state.attempts > 1 {
		f.logger.Info("socks5 proxy rejection resolved",
			"retries", state.attempts-1,
			"total_delay_ms", state.delay.Milliseconds(),
		)
	}
	return resp, nil
}

// onRejection accounts for the backoff the retrier is about to apply.
func (f *Forwarder) onRejection(state *retryState, err error) {
	if f.metrics != nil {
		f.metrics.ProxyRejections.Inc()
	}
	retry := state.attempts - 1
	if retry >= len(f.backoff) {
		return
	}
	delay := f.backoff[retry]
	state.delay += delay
	if f.metrics != nil {
		f.metrics.RetryDelay.Add(delay.Seconds())
	}
	f.logger.Error("socks5 proxy rejected connection", "err", err)
	f.logger.Info("retrying", "delay_ms", delay.Milliseconds(), "attempt", state.attempts)
}
