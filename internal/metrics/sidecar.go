package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"tailscale-proxy-go/internal/config"
	"tailscale-proxy-go/internal/model"
)

// Outcome is the per-invocation result being counted.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Batch is everything one invocation recorded, handed to sinks on flush.
type Batch struct {
	Namespace string
	Service   string
	Dimension *model.Dimension
	Counts    map[Outcome]int
	Timestamp time.Time
}

// Sink receives flushed batches. Implementations must be safe for
// concurrent use; each invocation flushes independently.
type Sink interface {
	Publish(ctx context.Context, b Batch) error
}

// Recorder collects counts for a single invocation.
type Recorder interface {
	Count(o Outcome)
	// Flush publishes the recorded counts. Only the first call publishes.
	Flush(ctx context.Context) error
}

// Sidecar creates per-invocation recorders for callers that asked for metrics.
type Sidecar struct {
	namespace string
	sinks     []Sink
	now       func() time.Time
}

// NewSidecar builds the sidecar from config. Counts always reach Prometheus;
// EMF output on stdout is added when metrics.emf is set.
func NewSidecar(cfg *config.Config, m *Metrics) *Sidecar {
	labels := NewServiceLabels(cfg.Metrics.Services, cfg.Metrics.MaxServices)
	sinks := []Sink{NewPrometheusSink(m, labels)}
	if cfg.Metrics.EMF {
		sinks = append(sinks, NewEMFSink(os.Stdout))
	}
	return NewSidecarWithSinks(cfg.Metrics.Namespace, sinks...)
}

// NewSidecarWithSinks builds a sidecar publishing to the given sinks.
func NewSidecarWithSinks(namespace string, sinks ...Sink) *Sidecar {
	return &Sidecar{namespace: namespace, sinks: sinks, now: time.Now}
}

// Begin starts recording for one invocation. A nil context (or a nil
// sidecar) yields a recorder that does nothing.
func (s *Sidecar) Begin(mc *model.MetricsContext) Recorder {
	if s == nil || mc == nil {
		return noopRecorder{}
	}
	return &invocationRecorder{sidecar: s, mc: *mc, counts: make(map[Outcome]int, 1)}
}

type noopRecorder struct{}

func (noopRecorder) Count(Outcome)               {}
func (noopRecorder) Flush(context.Context) error { return nil }

type invocationRecorder struct {
	sidecar *Sidecar
	mc      model.MetricsContext
	counts  map[Outcome]int
	flushed bool
}

func (r *invocationRecorder) Count(o Outcome) {
	r.counts[o]++
}

func (r *invocationRecorder) Flush(ctx context.Context) error {
	if r.flushed {
		return nil
	}
	r.flushed = true

	b := Batch{
		Namespace: r.sidecar.namespace,
		Service:   r.mc.Service,
		Dimension: r.mc.Dimension,
		Counts:    r.counts,
		Timestamp: r.sidecar.now(),
	}

	var errs []error
	for _, sink := range r.sidecar.sinks {
		if err := sink.Publish(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PrometheusSink adds flushed counts to the invocations counter. Dimensions
// are left to EMF; only a bounded service label reaches Prometheus.
type PrometheusSink struct {
	m      *Metrics
	labels *ServiceLabels
}

// NewPrometheusSink creates a sink backed by m.Invocations.
func NewPrometheusSink(m *Metrics, labels *ServiceLabels) *PrometheusSink {
	return &PrometheusSink{m: m, labels: labels}
}

// Publish implements Sink.
func (p *PrometheusSink) Publish(_ context.Context, b Batch) error {
	if len(b.Counts) == 0 {
		return nil
	}
	service := p.labels.Normalize(b.Service)
	for outcome, n := range b.Counts {
		p.m.Invocations.WithLabelValues(service, string(outcome)).Add(float64(n))
	}
	return nil
}

// EMFSink writes batches as CloudWatch embedded metric format JSON lines.
type EMFSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEMFSink creates a sink writing one JSON document per batch to w.
func NewEMFSink(w io.Writer) *EMFSink {
	return &EMFSink{w: w}
}

type emfMetric struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type emfDirective struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []emfMetric `json:"Metrics"`
}

type emfMetadata struct {
	Timestamp         int64          `json:"Timestamp"`
	CloudWatchMetrics []emfDirective `json:"CloudWatchMetrics"`
}

// Publish implements Sink. Batches without counts are skipped.
func (s *EMFSink) Publish(_ context.Context, b Batch) error {
	if len(b.Counts) == 0 {
		return nil
	}

	dims := []string{"service"}
	doc := map[string]any{"service": b.Service}
	if b.Dimension != nil {
		key := emfDimensionKey(b.Dimension.Name)
		dims = append(dims, key)
		doc[key] = b.Dimension.Value
	}

	directive := emfDirective{Namespace: b.Namespace, Dimensions: [][]string{dims}}
	for _, o := range []Outcome{OutcomeSuccess, OutcomeError} {
		n, ok := b.Counts[o]
		if !ok {
			continue
		}
		directive.Metrics = append(directive.Metrics, emfMetric{Name: string(o), Unit: "Count"})
		doc[string(o)] = n
	}
	doc["_aws"] = emfMetadata{
		Timestamp:         b.Timestamp.UnixMilli(),
		CloudWatchMetrics: []emfDirective{directive},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.NewEncoder(s.w).Encode(doc); err != nil {
		return fmt.Errorf("write emf record: %w", err)
	}
	return nil
}

// emfReservedKeys are top-level keys the EMF document already uses.
var emfReservedKeys = map[string]bool{
	"_aws":                 true,
	"service":              true,
	string(OutcomeSuccess): true,
	string(OutcomeError):   true,
}

// emfDimensionKey prefixes caller dimension names that would overwrite a
// reserved key.
func emfDimensionKey(name string) string {
	if emfReservedKeys[name] {
		return "dimension_" + name
	}
	return name
}
