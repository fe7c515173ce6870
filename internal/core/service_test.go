package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"donationcore/internal/checkout"
	"donationcore/internal/email"
	"donationcore/internal/infra/persistence/memory"
	"donationcore/pkg/domain"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

type captureTracer struct {
	ended []error
}

func (c *captureTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, captureSpan{tracer: c}
}

type captureSpan struct {
	tracer *captureTracer
}

func (s captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, err)
}

// flakyOrders fails the next n finds.
type flakyOrders struct {
	domain.Collection[domain.Order]
	failures int
}

func (f *flakyOrders) Find(ctx context.Context, q domain.Query) ([]domain.Order, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store offline")
	}
	return f.Collection.Find(ctx, q)
}

type ordersOverride struct {
	*memory.Store
	orders domain.Collection[domain.Order]
}

func (s ordersOverride) Orders() domain.Collection[domain.Order] { return s.orders }

type serviceFixture struct {
	store     *memory.Store
	transport *email.MemoryTransport
	audit     *captureAuditRecorder
	metrics   *captureMetricsRecorder
	tracer    *captureTracer
	svc       *Service
	order     domain.Order
}

func newServiceFixture(t *testing.T, view func(*memory.Store) domain.Store) *serviceFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore(NewDefaultRulesEngine())
	if _, err := SeedTemplates(ctx, store); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	person, err := store.People().Create(ctx, domain.Person{Email: "grace@example.org", FirstName: "Grace"}, sys)
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	order, err := store.Orders().Create(ctx, domain.Order{
		PublicID: "D-1", Status: domain.OrderStatusCreated, TotalUSD: 25,
		ContactID: person.ID, StripeCheckoutSessionID: "cs_1", Lang: "en",
	}, sys)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := store.OrderItems().Create(ctx, domain.OrderItem{OrderID: order.ID, ItemType: domain.ItemTypeDonation, AmountUSD: 25}, sys); err != nil {
		t.Fatalf("create item: %v", err)
	}

	var target domain.Store = store
	if view != nil {
		target = view(store)
	}
	f := &serviceFixture{
		store:     store,
		transport: email.NewMemoryTransport(),
		audit:     &captureAuditRecorder{},
		metrics:   &captureMetricsRecorder{},
		tracer:    &captureTracer{},
		order:     order,
	}
	receipts := email.NewReceipts(target, email.NewDispatcher(target, f.transport))
	f.svc = NewService(target,
		WithAuditRecorder(f.audit),
		WithMetricsRecorder(f.metrics),
		WithTracer(f.tracer),
		WithReceiptSender(receipts),
	)
	return f
}

var sessionPayload = json.RawMessage(`{"id":"cs_1","object":"checkout.session","payment_intent":"pi_1"}`)

func TestHandleEventProcessesCompletedSession(t *testing.T) {
	f := newServiceFixture(t, nil)
	res, err := f.svc.HandleEvent(context.Background(), "evt_1", string(checkout.EventCompleted), sessionPayload)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if res.Status != EventProcessed || res.Reason != "" {
		t.Fatalf("expected processed without reason, got %+v", res)
	}
	if res.Reconciliation.Status != domain.OrderStatusPaid || res.Reconciliation.Ledger != checkout.LedgerCreated {
		t.Fatalf("unexpected reconciliation %+v", res.Reconciliation)
	}
	if len(f.transport.Sent()) != 1 {
		t.Fatalf("expected one receipt, got %d", len(f.transport.Sent()))
	}

	if len(f.audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(f.audit.entries))
	}
	entry := f.audit.entries[0]
	if entry.Operation != OperationHandleEvent || entry.Status != AuditStatusSuccess || entry.EntityID != f.order.ID || entry.Entity != domain.EntityOrder {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if len(f.metrics.calls) != 1 || !f.metrics.calls[0].success || f.metrics.calls[0].op != OperationHandleEvent {
		t.Fatalf("unexpected metrics %+v", f.metrics.calls)
	}
	if len(f.tracer.ended) != 1 || f.tracer.ended[0] != nil {
		t.Fatalf("unexpected spans %+v", f.tracer.ended)
	}
}

func TestHandleEventAcknowledgesDuplicates(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	if _, err := f.svc.HandleEvent(ctx, "evt_1", string(checkout.EventCompleted), sessionPayload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := f.svc.HandleEvent(ctx, "evt_1", string(checkout.EventCompleted), sessionPayload)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if res.Status != EventDuplicate {
		t.Fatalf("expected duplicate, got %s", res.Status)
	}

	// a new event id for the same session reconciles idempotently
	res, err = f.svc.HandleEvent(ctx, "evt_2", string(checkout.EventCompleted), sessionPayload)
	if err != nil {
		t.Fatalf("third delivery: %v", err)
	}
	if res.Status != EventProcessed || res.Reason != checkout.SkipAlreadyPaid {
		t.Fatalf("expected already_paid skip, got %+v", res)
	}
	txs, err := f.store.Transactions().Find(ctx, sys)
	if err != nil {
		t.Fatalf("find transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(txs))
	}
}

func TestHandleEventIgnoresUnprocessable(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.HandleEvent(ctx, "evt_1", "invoice.paid", json.RawMessage(`{}`))
	if err != nil || res.Status != EventIgnored || res.Reason != "unsupported_event" {
		t.Fatalf("unsupported event: %+v %v", res, err)
	}
	res, err = f.svc.HandleEvent(ctx, "evt_2", string(checkout.EventCompleted), json.RawMessage(`{"object":"checkout.session"}`))
	if err != nil || res.Status != EventIgnored || res.Reason != "missing_session" {
		t.Fatalf("sessionless event: %+v %v", res, err)
	}
	res, err = f.svc.HandleEvent(ctx, "evt_3", string(checkout.EventExpired), json.RawMessage(`{"id":"cs_unknown"}`))
	if err != nil || res.Status != EventProcessed || res.Reason != checkout.SkipOrderNotFound {
		t.Fatalf("unknown session: %+v %v", res, err)
	}
}

func TestHandleEventRejectsMalformedPayload(t *testing.T) {
	f := newServiceFixture(t, nil)
	_, err := f.svc.HandleEvent(context.Background(), "evt_1", string(checkout.EventCompleted), json.RawMessage(`"nope"`))
	if !errors.Is(err, checkout.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Status != AuditStatusError {
		t.Fatalf("expected error audit entry, got %+v", f.audit.entries)
	}
	if len(f.metrics.calls) != 1 || f.metrics.calls[0].success {
		t.Fatalf("expected failed metric, got %+v", f.metrics.calls)
	}
	if len(f.tracer.ended) != 1 || f.tracer.ended[0] == nil {
		t.Fatalf("expected failed span, got %+v", f.tracer.ended)
	}
}

func TestHandleEventFailureAllowsRetry(t *testing.T) {
	orders := &flakyOrders{failures: 1}
	f := newServiceFixture(t, func(store *memory.Store) domain.Store {
		orders.Collection = store.Orders()
		return ordersOverride{Store: store, orders: orders}
	})
	ctx := context.Background()

	if _, err := f.svc.HandleEvent(ctx, "evt_1", string(checkout.EventCompleted), sessionPayload); err == nil {
		t.Fatalf("expected store failure to propagate")
	}
	res, err := f.svc.HandleEvent(ctx, "evt_1", string(checkout.EventCompleted), sessionPayload)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Status != EventProcessed || res.Reconciliation.Status != domain.OrderStatusPaid {
		t.Fatalf("expected retry to be processed, got %+v", res)
	}
}

func TestServiceDefaults(t *testing.T) {
	store := memory.NewStore(nil)
	svc := NewService(store, WithLogger(nil), WithClock(nil), WithAuditRecorder(nil), WithMetricsRecorder(nil), WithTracer(nil))
	if svc.Store() != domain.Store(store) {
		t.Fatalf("expected store passthrough")
	}
	if _, ok := svc.dedup.(*checkout.MemoryDedupCache); !ok {
		t.Fatalf("expected default memory dedup cache, got %T", svc.dedup)
	}
	res, err := svc.HandleEvent(context.Background(), "evt", string(checkout.EventCompleted), json.RawMessage(`{"id":"cs_none"}`))
	if err != nil || res.Reason != checkout.SkipOrderNotFound {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
}

func TestHandleEventReportsDispositions(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine())
	metrics := NewExpvarMetricsRecorder("")
	tracer := NewJSONTracer(nil)
	svc := NewService(store, WithMetricsRecorder(metrics), WithTracer(tracer))
	ctx := context.Background()

	if _, err := svc.HandleEvent(ctx, "evt_1", "invoice.paid", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unsupported event: %v", err)
	}
	if _, err := svc.HandleEvent(ctx, "evt_2", string(checkout.EventCompleted), json.RawMessage(`"nope"`)); err == nil {
		t.Fatalf("expected malformed payload error")
	}

	events := metrics.Snapshot().Events
	if events["invoice.paid/ignored/unsupported_event"] != 1 || events["checkout.session.completed/failed"] != 1 {
		t.Fatalf("unexpected event counters %+v", events)
	}
	spans := tracer.Entries()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Attributes["webhook.event_id"] != "evt_1" || spans[0].Attributes["webhook.status"] != "ignored" {
		t.Fatalf("unexpected span attributes %+v", spans[0].Attributes)
	}
}
