package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"donationcore/internal/email"
	"donationcore/internal/logging"
	"donationcore/pkg/domain"
)

// Skip reasons reported on Outcome.
const (
	SkipOrderNotFound   = "order_not_found"
	SkipAlreadyPaid     = "already_paid"
	SkipAlreadyExpired  = "already_expired"
	SkipNothingToNotify = "nothing_to_notify"
)

var errNoLongerExpirable = errors.New("order no longer expirable")

// ReceiptSender dispatches receipts for an order. *email.Receipts implements it.
type ReceiptSender interface {
	SendDonationReceipt(ctx context.Context, req email.ReceiptRequest) (email.Result, error)
	SendMembershipReceipt(ctx context.Context, req email.ReceiptRequest) (email.Result, error)
}

// CampaignResolver maps a referral tag to a campaign id.
type CampaignResolver interface {
	ResolveCampaignID(ctx context.Context, ref *string) *string
}

// Outcome summarizes what Apply did for one event.
type Outcome struct {
	Found          bool
	OrderID        string
	PreviousStatus domain.OrderStatus
	Status         domain.OrderStatus
	StatusChanged  bool
	Ledger         LedgerResult
	Receipt        *email.Result
	SkipReason     string
}

// Reconciler applies checkout-session events to persisted orders.
type Reconciler struct {
	orders      domain.Collection[domain.Order]
	items       domain.Collection[domain.OrderItem]
	memberships domain.Collection[domain.Membership]
	ledger      *LedgerWriter
	completer   MembershipCompleter
	receipts    ReceiptSender
	campaigns   CampaignResolver
	now         func() time.Time
	logger      logging.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Reconciler) { r.logger = logging.OrNoop(l) }
}

// WithMembershipCompleter replaces the default membership completer.
func WithMembershipCompleter(c MembershipCompleter) Option {
	return func(r *Reconciler) { r.completer = c }
}

// WithCampaignResolver enables campaign attribution from the session "ref" metadata.
func WithCampaignResolver(c CampaignResolver) Option {
	return func(r *Reconciler) { r.campaigns = c }
}

// WithClock sets the clock used by the default membership completer.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler wires a reconciler over store. receipts may be nil to
// disable receipt dispatch.
func NewReconciler(store domain.Store, receipts ReceiptSender, opts ...Option) *Reconciler {
	r := &Reconciler{
		orders:      store.Orders(),
		items:       store.OrderItems(),
		memberships: store.Memberships(),
		receipts:    receipts,
		now:         time.Now,
		logger:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ledger = NewLedgerWriter(store.Transactions(), r.logger)
	if r.completer == nil {
		r.completer = NewDefaultMembershipCompleter(store, r.now, r.logger)
	}
	return r
}

// Apply reconciles event against the order created for its session. An
// unknown session is a benign skip. Store failures are returned so the
// provider retries; every step is idempotent against persisted state.
func (r *Reconciler) Apply(ctx context.Context, event CheckoutSessionEvent) (Outcome, error) {
	order, found, err := domain.FindOne(ctx, r.orders, domain.SystemQuery(domain.Where{"stripeCheckoutSessionId": event.Session.SessionID}))
	if err != nil {
		return Outcome{}, fmt.Errorf("find order for session %s: %w", event.Session.SessionID, err)
	}
	if !found {
		r.logger.Warn("no order for checkout session", "session_id", event.Session.SessionID, "event_id", event.EventID)
		return Outcome{SkipReason: SkipOrderNotFound}, nil
	}
	out := Outcome{Found: true, OrderID: order.ID, PreviousStatus: order.Status, Status: order.Status}

	switch event.Type {
	case EventExpired:
		return r.expire(ctx, order, out)
	case EventCompleted:
		return r.complete(ctx, order, event, out)
	}
	return out, fmt.Errorf("%w: %q", ErrUnsupportedEvent, event.Type)
}

func (r *Reconciler) expire(ctx context.Context, order domain.Order, out Outcome) (Outcome, error) {
	switch order.Status {
	case domain.OrderStatusPaid:
		r.logger.Info("expired event ignored for paid order", "order_id", order.ID)
		out.SkipReason = SkipAlreadyPaid
		return out, nil
	case domain.OrderStatusExpired:
		out.SkipReason = SkipAlreadyExpired
		return out, nil
	}
	var current domain.OrderStatus
	updated, err := r.orders.Update(ctx, order.ID, domain.SystemQuery(nil), func(o *domain.Order) error {
		current = o.Status
		if o.Status != domain.OrderStatusCreated {
			return errNoLongerExpirable
		}
		o.Status = domain.OrderStatusExpired
		return nil
	})
	if errors.Is(err, errNoLongerExpirable) {
		r.logger.Info("order changed concurrently, expiry skipped", "order_id", order.ID, "status", current)
		out.Status = current
		out.SkipReason = SkipAlreadyPaid
		if current == domain.OrderStatusExpired {
			out.SkipReason = SkipAlreadyExpired
		}
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("expire order %s: %w", order.ID, err)
	}
	out.Status = updated.Status
	out.StatusChanged = true
	r.logger.Info("order expired", "order_id", order.ID)
	return out, nil
}

func (r *Reconciler) complete(ctx context.Context, order domain.Order, event CheckoutSessionEvent, out Outcome) (Outcome, error) {
	items, err := r.items.Find(ctx, domain.SystemQuery(domain.Where{"order": order.ID}))
	if err != nil {
		return out, fmt.Errorf("find items for order %s: %w", order.ID, err)
	}
	hasDonation, hasMembership := classify(items)

	order = r.attribute(ctx, order, event)

	if order.Status == domain.OrderStatusPaid {
		r.logger.Info("order already paid, skipping status transition", "order_id", order.ID)
		out.SkipReason = SkipAlreadyPaid
	} else {
		var updated domain.Order
		if hasMembership {
			updated, err = r.completer.Complete(ctx, order, items, event)
		} else {
			updated, err = markPaid(ctx, r.orders, order, event)
		}
		if err != nil {
			return out, err
		}
		order = updated
		out.StatusChanged = order.Status != out.PreviousStatus
		out.Status = order.Status
	}

	out.Ledger, err = r.ledger.Ensure(ctx, order, event.PaymentReference())
	if err != nil {
		return out, err
	}

	if r.receipts == nil {
		return out, nil
	}
	req := email.ReceiptRequest{OrderID: order.ID, FallbackEmail: event.Session.CustomerEmail}
	var receipt email.Result
	switch {
	case hasDonation:
		receipt, err = r.receipts.SendDonationReceipt(ctx, req)
	case hasMembership:
		if err := r.describeMembership(ctx, order.ID, &req); err != nil {
			return out, err
		}
		receipt, err = r.receipts.SendMembershipReceipt(ctx, req)
	default:
		r.logger.Info("order has no donation or membership items, no receipt", "order_id", order.ID)
		if out.SkipReason == "" {
			out.SkipReason = SkipNothingToNotify
		}
		return out, nil
	}
	out.Receipt = &receipt
	if err != nil {
		return out, fmt.Errorf("send receipt for order %s: %w", order.ID, err)
	}
	if !receipt.OK && !receipt.Skipped {
		r.logger.Warn("receipt not delivered", "order_id", order.ID, "reason", receipt.Reason, "send_id", receipt.SendID)
	}
	return out, nil
}

// attribute stores the campaign resolved from the session ref on an order
// that has none. Failures are logged and the order is returned unchanged.
func (r *Reconciler) attribute(ctx context.Context, order domain.Order, event CheckoutSessionEvent) domain.Order {
	if r.campaigns == nil || order.CampaignID != nil {
		return order
	}
	ref := event.Ref()
	if ref == nil {
		return order
	}
	campaignID := r.campaigns.ResolveCampaignID(ctx, ref)
	if campaignID == nil {
		return order
	}
	updated, err := r.orders.Update(ctx, order.ID, domain.SystemQuery(nil), func(o *domain.Order) error {
		if o.CampaignID == nil {
			o.CampaignID = domain.StringPtr(*campaignID)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("campaign attribution failed", "order_id", order.ID, "campaign_id", *campaignID, "error", err)
		return order
	}
	return updated
}

func (r *Reconciler) describeMembership(ctx context.Context, orderID string, req *email.ReceiptRequest) error {
	m, ok, err := domain.FindOne(ctx, r.memberships, domain.SystemQuery(domain.Where{"order": orderID}))
	if err != nil {
		return fmt.Errorf("find membership for order %s: %w", orderID, err)
	}
	if !ok {
		return nil
	}
	expires := m.ExpiresAt
	req.ExpiresAt = &expires
	req.Tier = m.Tier
	return nil
}

func classify(items []domain.OrderItem) (donation, membership bool) {
	for _, it := range items {
		switch it.ItemType {
		case domain.ItemTypeDonation:
			donation = true
		case domain.ItemTypeMembership:
			membership = true
		}
	}
	return donation, membership
}
