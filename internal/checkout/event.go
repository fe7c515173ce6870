// Package checkout reconciles payment-provider checkout-session events with
// persisted orders, the transaction ledger and receipt dispatch.
package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType is the provider event type of a checkout-session delivery.
type EventType string

// Supported checkout-session event types.
const (
	EventCompleted EventType = "checkout.session.completed"
	EventExpired   EventType = "checkout.session.expired"
)

// Supported reports whether the reconciler handles t.
func (t EventType) Supported() bool {
	return t == EventCompleted || t == EventExpired
}

var (
	// ErrMalformedPayload marks a payload that is not a decodable session object.
	ErrMalformedPayload = errors.New("malformed checkout session payload")
	// ErrUnsupportedEvent marks an event type the reconciler does not handle.
	ErrUnsupportedEvent = errors.New("unsupported checkout event type")
)

// Session is the provider-agnostic view of a checkout session.
type Session struct {
	SessionID        string
	PaymentIntentID  *string
	CustomerEmail    *string
	AmountTotalCents *int64
	Metadata         map[string]string
}

// CheckoutSessionEvent is a normalized delivery. It is built once and not mutated.
type CheckoutSessionEvent struct {
	EventID string
	Type    EventType
	Session Session
}

// PaymentReference is the ledger reference for the payment: the payment
// intent id when known, the session id otherwise.
func (e CheckoutSessionEvent) PaymentReference() string {
	if e.Session.PaymentIntentID != nil && *e.Session.PaymentIntentID != "" {
		return *e.Session.PaymentIntentID
	}
	return e.Session.SessionID
}

// Ref returns the referral tag carried in session metadata, if any.
func (e CheckoutSessionEvent) Ref() *string {
	ref, ok := e.Session.Metadata["ref"]
	if !ok {
		return nil
	}
	return &ref
}

type rawSession struct {
	ID              string          `json:"id"`
	Object          string          `json:"object"`
	PaymentIntent   json.RawMessage `json:"payment_intent"`
	CustomerEmail   *string         `json:"customer_email"`
	CustomerDetails *struct {
		Email *string `json:"email"`
	} `json:"customer_details"`
	AmountTotal *int64            `json:"amount_total"`
	Metadata    map[string]string `json:"metadata"`
}

// Normalize decodes a checkout-session object into a CheckoutSessionEvent.
// It returns nil, nil when the payload carries no session id; such events
// are permanently unprocessable and should be acknowledged. payment_intent
// may be an id string or an expanded object.
func Normalize(eventID string, eventType EventType, raw json.RawMessage) (*CheckoutSessionEvent, error) {
	if !eventType.Supported() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventType)
	}
	var s rawSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return nil, nil
	}
	intent, err := paymentIntentID(s.PaymentIntent)
	if err != nil {
		return nil, err
	}
	email := nonBlank(s.CustomerEmail)
	if email == nil && s.CustomerDetails != nil {
		email = nonBlank(s.CustomerDetails.Email)
	}
	metadata := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		metadata[k] = v
	}
	return &CheckoutSessionEvent{
		EventID: eventID,
		Type:    eventType,
		Session: Session{
			SessionID:        id,
			PaymentIntentID:  intent,
			CustomerEmail:    email,
			AmountTotalCents: s.AmountTotal,
			Metadata:         metadata,
		},
	}, nil
}

func paymentIntentID(raw json.RawMessage) (*string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var expanded struct {
			ID *string `json:"id"`
		}
		if err := json.Unmarshal(raw, &expanded); err != nil {
			return nil, fmt.Errorf("%w: payment_intent: %w", ErrMalformedPayload, err)
		}
		return nonBlank(expanded.ID), nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("%w: payment_intent: %w", ErrMalformedPayload, err)
	}
	return nonBlank(&id), nil
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
