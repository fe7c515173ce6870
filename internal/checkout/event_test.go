package checkout_test

import (
	"encoding/json"
	"testing"

	"donationcore/internal/checkout"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFullSession(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "cs_1",
		"object": "checkout.session",
		"payment_intent": "pi_1",
		"customer_email": "ada@example.org",
		"amount_total": 2500,
		"metadata": {"ref": "spring"}
	}`)
	event, err := checkout.Normalize("evt_1", checkout.EventCompleted, raw)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, checkout.EventCompleted, event.Type)
	assert.Equal(t, "cs_1", event.Session.SessionID)
	require.NotNil(t, event.Session.PaymentIntentID)
	assert.Equal(t, "pi_1", *event.Session.PaymentIntentID)
	require.NotNil(t, event.Session.CustomerEmail)
	assert.Equal(t, "ada@example.org", *event.Session.CustomerEmail)
	require.NotNil(t, event.Session.AmountTotalCents)
	assert.EqualValues(t, 2500, *event.Session.AmountTotalCents)
	assert.Equal(t, "pi_1", event.PaymentReference())
	require.NotNil(t, event.Ref())
	assert.Equal(t, "spring", *event.Ref())
}

func TestNormalizeToleratesMissingOptionalFields(t *testing.T) {
	event, err := checkout.Normalize("evt_2", checkout.EventExpired, json.RawMessage(`{"id":"cs_2","payment_intent":null}`))
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Nil(t, event.Session.PaymentIntentID)
	assert.Nil(t, event.Session.CustomerEmail)
	assert.Nil(t, event.Session.AmountTotalCents)
	assert.NotNil(t, event.Session.Metadata)
	assert.Empty(t, event.Session.Metadata)
	assert.Nil(t, event.Ref())
	assert.Equal(t, "cs_2", event.PaymentReference(), "session id stands in for a missing payment intent")
}

func TestNormalizeVariants(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		intent string
		email  string
	}{
		{name: "expanded payment intent", raw: `{"id":"cs","payment_intent":{"id":"pi_x","object":"payment_intent"}}`, intent: "pi_x"},
		{name: "customer details email", raw: `{"id":"cs","customer_details":{"email":"b@example.org"}}`, email: "b@example.org"},
		{name: "blank customer email falls through", raw: `{"id":"cs","customer_email":"  ","customer_details":{"email":"c@example.org"}}`, email: "c@example.org"},
		{name: "blank payment intent", raw: `{"id":"cs","payment_intent":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := checkout.Normalize("evt", checkout.EventCompleted, json.RawMessage(tc.raw))
			require.NoError(t, err)
			require.NotNil(t, event)
			if tc.intent == "" {
				assert.Nil(t, event.Session.PaymentIntentID)
			} else {
				require.NotNil(t, event.Session.PaymentIntentID)
				assert.Equal(t, tc.intent, *event.Session.PaymentIntentID)
			}
			if tc.email == "" {
				assert.Nil(t, event.Session.CustomerEmail)
			} else {
				require.NotNil(t, event.Session.CustomerEmail)
				assert.Equal(t, tc.email, *event.Session.CustomerEmail)
			}
		})
	}
}

func TestNormalizeWithoutSessionID(t *testing.T) {
	for _, raw := range []string{`{}`, `{"id":"   "}`, `{"object":"checkout.session"}`} {
		event, err := checkout.Normalize("evt", checkout.EventCompleted, json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Nil(t, event, raw)
	}
}

func TestNormalizeRejects(t *testing.T) {
	_, err := checkout.Normalize("evt", checkout.EventType("invoice.paid"), json.RawMessage(`{"id":"in_1"}`))
	require.ErrorIs(t, err, checkout.ErrUnsupportedEvent)

	_, err = checkout.Normalize("evt", checkout.EventCompleted, json.RawMessage(`[1,2]`))
	require.ErrorIs(t, err, checkout.ErrMalformedPayload)

	_, err = checkout.Normalize("evt", checkout.EventCompleted, json.RawMessage(`{"id":"cs","payment_intent":42}`))
	require.ErrorIs(t, err, checkout.ErrMalformedPayload)
}

func TestNormalizeCopiesMetadata(t *testing.T) {
	raw := json.RawMessage(`{"id":"cs","metadata":{"ref":"a"}}`)
	first, err := checkout.Normalize("evt", checkout.EventCompleted, raw)
	require.NoError(t, err)
	first.Session.Metadata["ref"] = "mutated"

	second, err := checkout.Normalize("evt", checkout.EventCompleted, raw)
	require.NoError(t, err)
	assert.Equal(t, "a", second.Session.Metadata["ref"])
}
