// Package domain defines the persisted records, value types, and rule
// evaluation primitives shared by the donationcore webhook and email engines.
package domain

import (
	"strconv"
	"time"
)

// EntityType identifies a store collection. The values double as the
// collection names used by the document store.
type EntityType string

// Collections managed by the store.
const (
	// EntityOrder identifies checkout orders.
	EntityOrder EntityType = "orders"
	// EntityOrderItem identifies line items attached to an order.
	EntityOrderItem EntityType = "order-items"
	// EntityTransaction identifies payment ledger rows.
	EntityTransaction EntityType = "transactions"
	// EntityEmailTemplate identifies CMS-managed email templates.
	EntityEmailTemplate EntityType = "email-templates"
	// EntityEmailSend identifies per-dispatch email audit records.
	EntityEmailSend EntityType = "email-sends"
	// EntityCampaign identifies marketing campaigns addressable by reftag.
	EntityCampaign EntityType = "campaigns"
	// EntityPerson identifies contacts (donors, members).
	EntityPerson EntityType = "people"
	// EntityMembership identifies membership terms granted by paid orders.
	EntityMembership EntityType = "memberships"
)

// OrderStatus is the reconciliation state of an order.
type OrderStatus string

// Order statuses. Paid is the only state protected from change.
const (
	OrderStatusCreated OrderStatus = "created"
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusExpired OrderStatus = "expired"
)

// ItemType classifies an order line item.
type ItemType string

// Known item types. Only donation and membership drive side effects.
const (
	ItemTypeDonation    ItemType = "donation"
	ItemTypeMembership  ItemType = "membership"
	ItemTypeMerchandise ItemType = "merchandise"
	ItemTypeEventTicket ItemType = "event_ticket"
)

// PaymentType identifies how a transaction was settled.
type PaymentType string

// Payment types recorded on the ledger.
const (
	PaymentTypeStripe PaymentType = "stripe"
	PaymentTypeCash   PaymentType = "cash"
	PaymentTypeCheck  PaymentType = "check"
)

// TemplateStatus toggles whether a template may be used for sending.
type TemplateStatus string

// Template statuses.
const (
	TemplateStatusActive   TemplateStatus = "active"
	TemplateStatusDisabled TemplateStatus = "disabled"
)

// EmailSendStatus is the lifecycle state of a single dispatch attempt.
type EmailSendStatus string

// Email send statuses. Sent and failed are terminal.
const (
	EmailSendQueued EmailSendStatus = "queued"
	EmailSendSent   EmailSendStatus = "sent"
	EmailSendFailed EmailSendStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s EmailSendStatus) Terminal() bool {
	return s == EmailSendSent || s == EmailSendFailed
}

// FallbackReason explains why a dispatch did not use its template as-is.
type FallbackReason string

// Fallback reasons in precedence order; the first that applies wins.
const (
	FallbackTemplateNotFound    FallbackReason = "template_not_found"
	FallbackTemplateInactive    FallbackReason = "template_inactive"
	FallbackMissingPlaceholders FallbackReason = "missing_placeholders"
	FallbackRenderError         FallbackReason = "render_error"
	FallbackSkippedAlreadySent  FallbackReason = "skipped_already_sent"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordID returns the record identifier.
func (b Base) RecordID() string { return b.ID }

// BaseRef exposes the embedded base for stores that stamp ids and timestamps.
func (b *Base) BaseRef() *Base { return b }

// Order is a checkout order created before redirecting to the payment provider.
type Order struct {
	Base
	PublicID                string      `json:"public_id"`
	Status                  OrderStatus `json:"status"`
	TotalUSD                float64     `json:"total_usd"`
	ContactID               string      `json:"contact_id"`
	StripeCheckoutSessionID string      `json:"stripe_checkout_session_id"`
	StripePaymentIntentID   *string     `json:"stripe_payment_intent_id,omitempty"`
	ReceiptEmailSendID      *string     `json:"receipt_email_send_id,omitempty"`
	CampaignID              *string     `json:"campaign_id,omitempty"`
	Lang                    string      `json:"lang"`
}

// OrderItem is a line item of an order.
type OrderItem struct {
	Base
	OrderID   string   `json:"order_id"`
	ItemType  ItemType `json:"item_type"`
	Label     string   `json:"label"`
	AmountUSD float64  `json:"amount_usd"`
}

// Transaction is a payment ledger row. At most one exists per order and payment type.
type Transaction struct {
	Base
	OrderID     string      `json:"order_id"`
	ContactID   *string     `json:"contact_id,omitempty"`
	AmountUSD   float64     `json:"amount_usd"`
	PaymentType PaymentType `json:"payment_type"`
	StripeRefID *string     `json:"stripe_ref_id,omitempty"`
}

// LocalizedText maps a BCP 47 locale tag to text.
type LocalizedText map[string]string

// Placeholder declares a parameter a template requires.
type Placeholder struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// EmailTemplate is a CMS-managed, localized email template.
type EmailTemplate struct {
	Base
	Slug         string         `json:"slug"`
	Status       TemplateStatus `json:"status"`
	Subject      LocalizedText  `json:"subject"`
	Body         LocalizedText  `json:"body"`
	Placeholders []Placeholder  `json:"placeholders"`
}

// EmailSend records one dispatch attempt and its diagnostics.
type EmailSend struct {
	Base
	ToEmail             string          `json:"to_email"`
	TemplateSlug        string          `json:"template_slug"`
	Status              EmailSendStatus `json:"status"`
	Locale              string          `json:"locale"`
	TemplateAttempted   bool            `json:"template_attempted"`
	TemplateUsed        bool            `json:"template_used"`
	FallbackReason      *FallbackReason `json:"fallback_reason,omitempty"`
	MissingPlaceholders []string        `json:"missing_placeholders"`
	PlaceholderSnapshot map[string]any  `json:"placeholder_snapshot"`
	ProviderMessageID   *string         `json:"provider_message_id,omitempty"`
	ErrorCode           *string         `json:"error_code,omitempty"`
}

// Campaign is a marketing campaign addressable by a short reftag.
type Campaign struct {
	Base
	Reftag string `json:"reftag"`
	Name   string `json:"name"`
}

// Person is a contact referenced by orders.
type Person struct {
	Base
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName returns the best available human name for greetings.
func (p Person) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.LastName
	}
}

// Membership is a membership term granted by a paid order.
type Membership struct {
	Base
	ContactID string    `json:"contact_id"`
	OrderID   string    `json:"order_id"`
	Tier      string    `json:"tier"`
	StartsAt  time.Time `json:"starts_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FieldValue implementations expose the exact-match fields a Where filter may
// reference. Unknown fields report ok=false and never match.

// FieldValue returns filterable order fields.
func (o Order) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return o.ID, true
	case "publicId":
		return o.PublicID, true
	case "status":
		return string(o.Status), true
	case "contact":
		return o.ContactID, true
	case "stripeCheckoutSessionId":
		return o.StripeCheckoutSessionID, true
	}
	return "", false
}

// FieldValue returns filterable order item fields.
func (i OrderItem) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return i.ID, true
	case "order":
		return i.OrderID, true
	case "itemType":
		return string(i.ItemType), true
	}
	return "", false
}

// FieldValue returns filterable transaction fields.
func (t Transaction) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return t.ID, true
	case "order":
		return t.OrderID, true
	case "paymentType":
		return string(t.PaymentType), true
	case "stripeRefId":
		return derefString(t.StripeRefID), t.StripeRefID != nil
	}
	return "", false
}

// FieldValue returns filterable template fields.
func (t EmailTemplate) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return t.ID, true
	case "slug":
		return t.Slug, true
	case "status":
		return string(t.Status), true
	}
	return "", false
}

// FieldValue returns filterable email send fields.
func (e EmailSend) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return e.ID, true
	case "toEmail":
		return e.ToEmail, true
	case "templateSlug":
		return e.TemplateSlug, true
	case "status":
		return string(e.Status), true
	}
	return "", false
}

// FieldValue returns filterable campaign fields.
func (c Campaign) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return c.ID, true
	case "reftag":
		return c.Reftag, true
	}
	return "", false
}

// FieldValue returns filterable person fields.
func (p Person) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return p.ID, true
	case "email":
		return p.Email, true
	}
	return "", false
}

// FieldValue returns filterable membership fields.
func (m Membership) FieldValue(field string) (string, bool) {
	switch field {
	case "id":
		return m.ID, true
	case "contact":
		return m.ContactID, true
	case "order":
		return m.OrderID, true
	case "tier":
		return m.Tier, true
	}
	return "", false
}

// Clone helpers return deep copies so callers never share mutable state with the store.

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	cp := o
	cp.StripePaymentIntentID = cloneString(o.StripePaymentIntentID)
	cp.ReceiptEmailSendID = cloneString(o.ReceiptEmailSendID)
	cp.CampaignID = cloneString(o.CampaignID)
	return cp
}

// Clone returns a copy of the item.
func (i OrderItem) Clone() OrderItem { return i }

// Clone returns a deep copy of the transaction.
func (t Transaction) Clone() Transaction {
	cp := t
	cp.ContactID = cloneString(t.ContactID)
	cp.StripeRefID = cloneString(t.StripeRefID)
	return cp
}

// Clone returns a deep copy of the template.
func (t EmailTemplate) Clone() EmailTemplate {
	cp := t
	cp.Subject = cloneLocalized(t.Subject)
	cp.Body = cloneLocalized(t.Body)
	cp.Placeholders = append([]Placeholder(nil), t.Placeholders...)
	return cp
}

// Clone returns a deep copy of the send record.
func (e EmailSend) Clone() EmailSend {
	cp := e
	if e.FallbackReason != nil {
		reason := *e.FallbackReason
		cp.FallbackReason = &reason
	}
	cp.MissingPlaceholders = append([]string(nil), e.MissingPlaceholders...)
	cp.PlaceholderSnapshot = cloneAnyMap(e.PlaceholderSnapshot)
	cp.ProviderMessageID = cloneString(e.ProviderMessageID)
	cp.ErrorCode = cloneString(e.ErrorCode)
	return cp
}

// Clone returns a copy of the campaign.
func (c Campaign) Clone() Campaign { return c }

// Clone returns a copy of the person.
func (p Person) Clone() Person { return p }

// Clone returns a copy of the membership.
func (m Membership) Clone() Membership { return m }

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string { return &s }

// FormatUSD renders a dollar amount with two decimals.
func FormatUSD(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneLocalized(in LocalizedText) LocalizedText {
	if in == nil {
		return nil
	}
	out := make(LocalizedText, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = cloneAnyMap(typed)
		case []any:
			out[k] = append([]any(nil), typed...)
		default:
			out[k] = v
		}
	}
	return out
}
