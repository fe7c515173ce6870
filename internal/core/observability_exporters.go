package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const metricsNamespace = "donationcore"

var expvarSeq atomic.Uint64

// ExpvarMetricsRecorder publishes operation timings and webhook dispositions
// as a single expvar JSON object.
type ExpvarMetricsRecorder struct {
	name string

	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
	events    map[string]int64
}

// ExpvarMetricsSnapshot is the published expvar document.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	// Events is keyed by "<type>/<status>" with "/<reason>" appended when set.
	Events     map[string]int64 `json:"webhook_events_total"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated donationcore_service_metrics_<n> name when empty. Publishing a
// name twice panics, as with expvar.Publish.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("donationcore_service_metrics_%d", expvarSeq.Add(1))
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
		events:    make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the current counters.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make(map[string]map[string]int64, len(r.results))
	for op, byStatus := range r.results {
		results[op] = maps.Clone(byStatus)
	}
	return ExpvarMetricsSnapshot{
		DurationsMS: maps.Clone(r.durations),
		Results:     results,
		Events:      maps.Clone(r.events),
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] += float64(duration) / float64(time.Millisecond)
	byStatus, ok := r.results[operation]
	if !ok {
		byStatus = make(map[string]int64, 2)
		r.results[operation] = byStatus
	}
	byStatus[statusLabel(success)]++
}

// ObserveEvent implements EventObserver.
func (r *ExpvarMetricsRecorder) ObserveEvent(_ context.Context, eventType string, status EventStatus, reason string) {
	key := eventType + "/" + string(status)
	if reason != "" {
		key += "/" + reason
	}
	r.mu.Lock()
	r.events[key]++
	r.mu.Unlock()
}

// PrometheusMetricsRecorder exports operation latency plus webhook
// dispositions:
//
//	donationcore_operations_total{operation,status}
//	donationcore_operation_duration_seconds{operation}
//	donationcore_webhook_events_total{type,status,reason}
type PrometheusMetricsRecorder struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	events   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the collectors with reg, or with
// the default registerer when reg is nil.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Service operations by outcome.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Checkout webhook events by type and disposition.",
		}, []string{"type", "status", "reason"}),
	}
	for _, c := range []prometheus.Collector{r.total, r.duration, r.events} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.total.WithLabelValues(operation, statusLabel(success)).Inc()
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveEvent implements EventObserver.
func (r *PrometheusMetricsRecorder) ObserveEvent(_ context.Context, eventType string, status EventStatus, reason string) {
	r.events.WithLabelValues(eventType, string(status), reason).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// JSONTraceEntry is one finished span as written by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string            `json:"operation"`
	Status     string            `json:"status"`
	DurationMS float64           `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
}

// JSONTraceTracer writes finished spans as JSON lines and keeps them for
// Entries. It backs replay --trace.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w. A nil w only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns the spans finished so far.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, entry: JSONTraceEntry{Operation: operation, StartedAt: time.Now().UTC()}}
}

func (t *JSONTraceTracer) finish(entry JSONTraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}

type jsonTraceSpan struct {
	tracer *JSONTraceTracer
	entry  JSONTraceEntry
}

func (s *jsonTraceSpan) Annotate(attrs map[string]string) {
	if s.entry.Attributes == nil {
		s.entry.Attributes = make(map[string]string, len(attrs))
	}
	maps.Copy(s.entry.Attributes, attrs)
}

func (s *jsonTraceSpan) End(err error) {
	s.entry.EndedAt = time.Now().UTC()
	s.entry.DurationMS = float64(s.entry.EndedAt.Sub(s.entry.StartedAt)) / float64(time.Millisecond)
	s.entry.Status = statusLabel(err == nil)
	if err != nil {
		s.entry.Error = err.Error()
	}
	s.tracer.finish(s.entry)
}

// OTelTracer adapts an OpenTelemetry tracer to Tracer.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer wraps tracer, or the global "donationcore" tracer when nil.
func NewOTelTracer(tracer trace.Tracer) *OTelTracer {
	if tracer == nil {
		tracer = otel.Tracer(metricsNamespace)
	}
	return &OTelTracer{tracer: tracer}
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	ctx, span := t.tracer.Start(ctx, operation, trace.WithSpanKind(trace.SpanKindServer))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) Annotate(attrs map[string]string) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	s.span.SetAttributes(kvs...)
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
