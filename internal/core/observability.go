package core

import (
	"context"
	"time"

	"donationcore/internal/logging"
	"donationcore/pkg/domain"
)

// Clock supplies the current time to the service.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus classifies an audited operation.
type AuditStatus string

// Audit statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one service operation.
type AuditEntry struct {
	Operation string
	Entity    domain.EntityType
	Action    domain.Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives an entry per service operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation latency and outcome.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan is an in-flight operation span.
type TraceSpan interface {
	End(err error)
}

// AnnotatedSpan is a span that accepts string attributes before it ends.
type AnnotatedSpan interface {
	TraceSpan
	Annotate(attrs map[string]string)
}

// EventObserver is an optional MetricsRecorder extension that counts webhook
// dispositions by event type, status and reason.
type EventObserver interface {
	ObserveEvent(ctx context.Context, eventType string, status EventStatus, reason string)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// LogAuditRecorder writes audit entries to a logger at info level, or warn
// for failed operations.
type LogAuditRecorder struct {
	Logger logging.Logger
}

// Record implements AuditRecorder.
func (r LogAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	args := []any{
		"operation", entry.Operation,
		"entity", entry.Entity,
		"action", entry.Action,
		"entity_id", entry.EntityID,
		"status", entry.Status,
		"duration_ms", entry.Duration.Milliseconds(),
	}
	logger := logging.OrNoop(r.Logger)
	if entry.Status == AuditStatusError {
		logger.Warn("audit", append(args, "error", entry.Error)...)
		return
	}
	logger.Info("audit", args...)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
