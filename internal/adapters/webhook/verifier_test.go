package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

func TestStripeVerifierAcceptsSignedPayload(t *testing.T) {
	payload := eventJSON("evt_1", "checkout.session.expired", `{"id":"cs_9"}`)
	event, err := StripeVerifier{Secret: testSecret}.Verify(payload, sign(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "checkout.session.expired", event.Type)
	assert.Equal(t, time.Unix(1740821400, 0).UTC(), event.Created)
	assert.JSONEq(t, `{"id":"cs_9"}`, string(event.Object))
}

func TestStripeVerifierRejectsStaleSignatures(t *testing.T) {
	payload := eventJSON("evt_1", "checkout.session.completed", `{"id":"cs_1"}`)
	stale := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now().Add(-time.Hour),
	})
	_, err := StripeVerifier{Secret: testSecret, Tolerance: time.Minute}.Verify(payload, stale.Header)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = StripeVerifier{Secret: "whsec_other"}.Verify(payload, sign(t, payload))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseEvent(t *testing.T) {
	event, err := ParseEvent(eventJSON("evt_9", "checkout.session.completed", `{"id":"cs_1"}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_9", event.ID)
	assert.JSONEq(t, `{"id":"cs_1"}`, string(event.Object))

	_, err = ParseEvent([]byte(`{"object":"event"}`))
	require.ErrorContains(t, err, "event id missing")
	_, err = ParseEvent([]byte(`{`))
	require.ErrorContains(t, err, "decode event")
}

func TestArchiveKeyLayout(t *testing.T) {
	at := time.Date(2025, 12, 31, 23, 59, 0, 0, time.FixedZone("east", 3*3600))
	assert.Equal(t, "webhooks/2025/12/31/evt_1.json", ArchiveKey("evt_1", at))
}
