package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"donationcore/internal/checkout"
	"donationcore/internal/logging"
	"donationcore/pkg/domain"
)

// EventStatus is how the service disposed of a webhook event.
type EventStatus string

// Event dispositions. Processed, duplicate and ignored events are
// acknowledged to the provider; EventFailed only appears in metrics.
const (
	EventProcessed EventStatus = "processed"
	EventDuplicate EventStatus = "duplicate"
	EventIgnored   EventStatus = "ignored"
	EventFailed    EventStatus = "failed"
)

// Operation names reported to audit, metrics and tracing.
const (
	OperationHandleEvent = "handle_checkout_event"
)

// EventResult is the outcome of HandleEvent.
type EventResult struct {
	EventID        string
	Type           checkout.EventType
	Status         EventStatus
	Reason         string
	Reconciliation checkout.Outcome
}

// Service applies verified checkout webhook events.
type Service struct {
	store      domain.Store
	dedup      checkout.DedupCache
	reconciler *checkout.Reconciler
	logger     logging.Logger
	clock      Clock
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger    logging.Logger
	clock     Clock
	audit     AuditRecorder
	metrics   MetricsRecorder
	tracer    Tracer
	dedup     checkout.DedupCache
	receipts  checkout.ReceiptSender
	campaigns checkout.CampaignResolver
	completer checkout.MembershipCompleter
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		logger:  logging.Noop(),
		clock:   ClockFunc(time.Now),
		audit:   noopAudit{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
}

// WithLogger sets the service logger.
func WithLogger(l logging.Logger) Option {
	return func(o *serviceOptions) { o.logger = logging.OrNoop(l) }
}

// WithClock overrides the service clock.
func WithClock(c Clock) Option {
	return func(o *serviceOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithAuditRecorder installs an audit sink.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(o *serviceOptions) {
		if r != nil {
			o.audit = r
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(o *serviceOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithDedupCache replaces the default in-memory dedup cache.
func WithDedupCache(c checkout.DedupCache) Option {
	return func(o *serviceOptions) { o.dedup = c }
}

// WithReceiptSender enables receipt dispatch after reconciliation.
func WithReceiptSender(r checkout.ReceiptSender) Option {
	return func(o *serviceOptions) { o.receipts = r }
}

// WithCampaignResolver enables campaign attribution.
func WithCampaignResolver(c checkout.CampaignResolver) Option {
	return func(o *serviceOptions) { o.campaigns = c }
}

// WithMembershipCompleter replaces the default membership completer.
func WithMembershipCompleter(c checkout.MembershipCompleter) Option {
	return func(o *serviceOptions) { o.completer = c }
}

// NewService wires the reconciler over store.
func NewService(store domain.Store, opts ...Option) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.dedup == nil {
		o.dedup = checkout.NewMemoryDedupCache()
	}
	reconcilerOpts := []checkout.Option{
		checkout.WithLogger(o.logger),
		checkout.WithClock(o.clock.Now),
	}
	if o.campaigns != nil {
		reconcilerOpts = append(reconcilerOpts, checkout.WithCampaignResolver(o.campaigns))
	}
	if o.completer != nil {
		reconcilerOpts = append(reconcilerOpts, checkout.WithMembershipCompleter(o.completer))
	}
	return &Service{
		store:      store,
		dedup:      o.dedup,
		reconciler: checkout.NewReconciler(store, o.receipts, reconcilerOpts...),
		logger:     o.logger,
		clock:      o.clock,
		audit:      o.audit,
		metrics:    o.metrics,
		tracer:     o.tracer,
	}
}

// Store returns the underlying store.
func (s *Service) Store() domain.Store { return s.store }

// HandleEvent normalizes a verified checkout-session event and reconciles it.
// Malformed payloads return checkout.ErrMalformedPayload; unsupported types,
// sessionless payloads and duplicates are acknowledged without processing.
// A failed attempt clears the dedup mark so the provider's retry is processed.
func (s *Service) HandleEvent(ctx context.Context, eventID string, eventType string, payload json.RawMessage) (EventResult, error) {
	result := EventResult{EventID: eventID, Type: checkout.EventType(eventType)}
	annotate := func() map[string]string {
		return map[string]string{
			"webhook.event_id":   eventID,
			"webhook.event_type": eventType,
			"webhook.status":     string(result.Status),
		}
	}
	err := s.run(ctx, OperationHandleEvent, annotate, func(ctx context.Context) (string, error) {
		event, err := checkout.Normalize(eventID, result.Type, payload)
		switch {
		case errors.Is(err, checkout.ErrUnsupportedEvent):
			s.logger.Info("ignoring unsupported webhook event", "event_id", eventID, "type", eventType)
			result.Status, result.Reason = EventIgnored, "unsupported_event"
			return "", nil
		case err != nil:
			return "", err
		case event == nil:
			s.logger.Warn("ignoring checkout event without session id", "event_id", eventID, "type", eventType)
			result.Status, result.Reason = EventIgnored, "missing_session"
			return "", nil
		}

		if s.dedup.CheckAndMark(ctx, eventID) {
			s.logger.Info("duplicate webhook event acknowledged", "event_id", eventID)
			result.Status = EventDuplicate
			return "", nil
		}

		outcome, err := s.reconciler.Apply(ctx, *event)
		result.Reconciliation = outcome
		if err != nil {
			s.dedup.Forget(ctx, eventID)
			return outcome.OrderID, fmt.Errorf("reconcile event %s: %w", eventID, err)
		}
		result.Status, result.Reason = EventProcessed, outcome.SkipReason
		return outcome.OrderID, nil
	})
	if obs, ok := s.metrics.(EventObserver); ok {
		status := result.Status
		if err != nil {
			status = EventFailed
		}
		obs.ObserveEvent(ctx, eventType, status, result.Reason)
	}
	return result, err
}

// run wraps an operation with tracing, metrics, audit and error logging.
// attrs, when set, is evaluated after fn to annotate the span.
func (s *Service) run(ctx context.Context, operation string, attrs func() map[string]string, fn func(context.Context) (string, error)) error {
	started := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	entityID, err := fn(ctx)
	duration := s.clock.Now().Sub(started)
	if annotated, ok := span.(AnnotatedSpan); ok && attrs != nil {
		annotated.Annotate(attrs())
	}
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, duration)

	entry := AuditEntry{
		Operation: operation,
		Entity:    domain.EntityOrder,
		Action:    domain.ActionUpdate,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now().UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Error("service operation failed", "operation", operation, "error", err)
	}
	s.audit.Record(ctx, entry)
	return err
}
