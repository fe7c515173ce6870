// Package webhook exposes the provider webhook endpoint: it verifies
// signatures, archives raw payloads and hands events to the core service.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidSignature marks a payload whose signature could not be verified.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event is a verified provider event envelope.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw data.object payload.
	Object json.RawMessage
}

// Verifier authenticates a raw webhook delivery.
type Verifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

// StripeVerifier checks the Stripe-Signature header against the endpoint secret.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
}

// Verify implements Verifier.
func (v StripeVerifier) Verify(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(signature) == "" {
		return Event{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, v.Secret, stripewebhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return fromStripe(event)
}

// ParseEvent decodes an event envelope without verifying it. It backs
// replays of payloads that were verified when archived.
func ParseEvent(payload []byte) (Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return fromStripe(event)
}

func fromStripe(event stripe.Event) (Event, error) {
	if event.ID == "" {
		return Event{}, errors.New("event id missing")
	}
	out := Event{ID: event.ID, Type: string(event.Type)}
	if event.Created > 0 {
		out.Created = time.Unix(event.Created, 0).UTC()
	}
	if event.Data != nil {
		out.Object = event.Data.Raw
	}
	return out, nil
}
