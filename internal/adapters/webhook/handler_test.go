package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"donationcore/internal/core"
	"donationcore/internal/infra/blob/memory"
	persistence "donationcore/internal/infra/persistence/memory"
	"donationcore/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

var receivedAt = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func eventJSON(id, eventType, session string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": %q,
  "created": 1740821400,
  "data": {"object": %s}
}`, id, eventType, session))
}

func sign(t *testing.T, payload []byte) string {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func post(t *testing.T, h http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type serviceFixture struct {
	store   *persistence.Store
	archive *memory.Store
	handler *Handler
	order   domain.Order
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()
	store := persistence.NewStore(core.NewDefaultRulesEngine())
	order, err := store.Orders().Create(ctx, domain.Order{
		Status: domain.OrderStatusCreated, TotalUSD: 25, StripeCheckoutSessionID: "cs_1",
	}, domain.SystemQuery(nil))
	require.NoError(t, err)
	_, err = store.OrderItems().Create(ctx, domain.OrderItem{OrderID: order.ID, ItemType: domain.ItemTypeDonation, AmountUSD: 25}, domain.SystemQuery(nil))
	require.NoError(t, err)

	archive := memory.New()
	h := NewHandler(core.NewService(store), StripeVerifier{Secret: testSecret},
		WithArchiver(NewArchiver(archive)),
		WithClock(func() time.Time { return receivedAt }),
	)
	return &serviceFixture{store: store, archive: archive, handler: h, order: order}
}

func TestStripeWebhookProcessesSignedEvent(t *testing.T) {
	f := newServiceFixture(t)
	payload := eventJSON("evt_1", "checkout.session.completed", `{"id":"cs_1","payment_intent":"pi_1"}`)

	rec := post(t, f.handler, payload, sign(t, payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "processed", body["status"])
	assert.NotContains(t, body, "reason")

	paid, ok, err := domain.FindOne(context.Background(), f.store.Orders(), domain.SystemQuery(domain.Where{"id": f.order.ID}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)

	info, err := f.archive.Head(context.Background(), "webhooks/2025/03/01/evt_1.json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", info.ContentType)
	assert.Equal(t, "checkout.session.completed", info.Metadata["event-type"])

	// redelivery is acknowledged as a duplicate and not rearchived
	rec = post(t, f.handler, payload, sign(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["status"])
}

func TestStripeWebhookAcknowledgesIgnoredEvents(t *testing.T) {
	f := newServiceFixture(t)
	payload := eventJSON("evt_2", "customer.created", `{"id":"cus_1"}`)
	rec := post(t, f.handler, payload, sign(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ignored", body["status"])
	assert.Equal(t, "unsupported_event", body["reason"])
}

func TestStripeWebhookRejectsBadSignatures(t *testing.T) {
	f := newServiceFixture(t)
	payload := eventJSON("evt_3", "checkout.session.completed", `{"id":"cs_1"}`)

	for name, signature := range map[string]string{
		"missing":  "",
		"garbage":  "t=1,v1=deadbeef",
		"tampered": sign(t, eventJSON("evt_other", "checkout.session.completed", `{"id":"cs_1"}`)),
	} {
		t.Run(name, func(t *testing.T) {
			rec := post(t, f.handler, payload, signature)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_signature", decode(t, rec)["error"].(map[string]any)["code"])
		})
	}

	order, _, err := domain.FindOne(context.Background(), f.store.Orders(), domain.SystemQuery(domain.Where{"id": f.order.ID}))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCreated, order.Status)
}

func TestStripeWebhookMalformedSession(t *testing.T) {
	f := newServiceFixture(t)
	payload := eventJSON("evt_4", "checkout.session.completed", `{"id":"cs_1","payment_intent":7}`)
	rec := post(t, f.handler, payload, sign(t, payload))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_payload", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestStripeWebhookBodyLimit(t *testing.T) {
	h := NewHandler(stubEvents{}, StripeVerifier{Secret: testSecret}, WithMaxBodyBytes(16))
	payload := eventJSON("evt_5", "checkout.session.completed", `{"id":"cs_1"}`)
	rec := post(t, h, payload, sign(t, payload))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type stubEvents struct {
	err      error
	deadline bool
}

func (s stubEvents) HandleEvent(ctx context.Context, eventID, _ string, _ json.RawMessage) (core.EventResult, error) {
	if s.deadline {
		if _, ok := ctx.Deadline(); !ok {
			return core.EventResult{}, errors.New("no deadline")
		}
	}
	return core.EventResult{EventID: eventID, Status: core.EventProcessed}, s.err
}

func TestStripeWebhookProcessingFailureAsksForRetry(t *testing.T) {
	h := NewHandler(stubEvents{err: errors.New("store offline")}, StripeVerifier{Secret: testSecret})
	payload := eventJSON("evt_6", "checkout.session.completed", `{"id":"cs_1"}`)
	rec := post(t, h, payload, sign(t, payload))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "processing_failed", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestStripeWebhookAppliesProcessingTimeout(t *testing.T) {
	h := NewHandler(stubEvents{deadline: true}, StripeVerifier{Secret: testSecret}, WithProcessingTimeout(time.Second))
	payload := eventJSON("evt_7", "checkout.session.completed", `{"id":"cs_1"}`)
	rec := post(t, h, payload, sign(t, payload))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProbesAndMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "donationcore_operations_total 1\n")
	})
	h := NewHandler(stubEvents{}, StripeVerifier{Secret: testSecret}, WithMetricsHandler(metrics))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "donationcore_operations_total")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
