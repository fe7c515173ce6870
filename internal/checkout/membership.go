package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"donationcore/internal/logging"
	"donationcore/pkg/domain"
)

// MembershipTerm is the length of a membership granted by one payment.
const MembershipTerm = 365 * 24 * time.Hour

const defaultTier = "standard"

var errAlreadyPaid = errors.New("order already paid")

// MembershipCompleter owns the paid transition of orders carrying a
// membership item, including the membership side effects.
type MembershipCompleter interface {
	Complete(ctx context.Context, order domain.Order, items []domain.OrderItem, event CheckoutSessionEvent) (domain.Order, error)
}

// DefaultMembershipCompleter grants or extends the contact's membership and
// marks the order paid.
type DefaultMembershipCompleter struct {
	orders      domain.Collection[domain.Order]
	memberships domain.Collection[domain.Membership]
	now         func() time.Time
	logger      logging.Logger
}

// NewDefaultMembershipCompleter builds the completer over store.
func NewDefaultMembershipCompleter(store domain.Store, now func() time.Time, logger logging.Logger) *DefaultMembershipCompleter {
	if now == nil {
		now = time.Now
	}
	return &DefaultMembershipCompleter{
		orders:      store.Orders(),
		memberships: store.Memberships(),
		now:         now,
		logger:      logging.OrNoop(logger),
	}
}

// Complete records the membership term for the order once, then sets the
// order paid. The term runs one year from the later of now and the contact's
// current expiry.
func (c *DefaultMembershipCompleter) Complete(ctx context.Context, order domain.Order, items []domain.OrderItem, event CheckoutSessionEvent) (domain.Order, error) {
	if order.ContactID == "" {
		c.logger.Warn("membership order has no contact, skipping membership grant", "order_id", order.ID)
	} else if err := c.grant(ctx, order, tierOf(items)); err != nil {
		return domain.Order{}, err
	}
	return markPaid(ctx, c.orders, order, event)
}

func (c *DefaultMembershipCompleter) grant(ctx context.Context, order domain.Order, tier string) error {
	_, granted, err := domain.FindOne(ctx, c.memberships, domain.SystemQuery(domain.Where{"order": order.ID}))
	if err != nil {
		return fmt.Errorf("find membership for order %s: %w", order.ID, err)
	}
	if granted {
		return nil
	}
	current, err := c.memberships.Find(ctx, domain.SystemQuery(domain.Where{"contact": order.ContactID}))
	if err != nil {
		return fmt.Errorf("find memberships for contact %s: %w", order.ContactID, err)
	}
	start := c.now().UTC()
	for _, m := range current {
		if m.ExpiresAt.After(start) {
			start = m.ExpiresAt
		}
	}
	created, err := c.memberships.Create(ctx, domain.Membership{
		ContactID: order.ContactID,
		OrderID:   order.ID,
		Tier:      tier,
		StartsAt:  start,
		ExpiresAt: start.Add(MembershipTerm),
	}, domain.SystemQuery(nil))
	if err != nil {
		return fmt.Errorf("create membership for order %s: %w", order.ID, err)
	}
	c.logger.Info("membership granted", "order_id", order.ID, "membership_id", created.ID, "expires_at", created.ExpiresAt)
	return nil
}

func tierOf(items []domain.OrderItem) string {
	for _, it := range items {
		if it.ItemType == domain.ItemTypeMembership {
			if label := strings.TrimSpace(it.Label); label != "" {
				return strings.ToLower(label)
			}
		}
	}
	return defaultTier
}

// markPaid sets the order paid with the event's payment intent. A concurrent
// handler that already paid the order wins; its state is returned.
func markPaid(ctx context.Context, orders domain.Collection[domain.Order], order domain.Order, event CheckoutSessionEvent) (domain.Order, error) {
	updated, err := orders.Update(ctx, order.ID, domain.SystemQuery(nil), func(o *domain.Order) error {
		if o.Status == domain.OrderStatusPaid {
			return errAlreadyPaid
		}
		o.Status = domain.OrderStatusPaid
		if event.Session.PaymentIntentID != nil {
			o.StripePaymentIntentID = domain.StringPtr(*event.Session.PaymentIntentID)
		}
		return nil
	})
	if errors.Is(err, errAlreadyPaid) {
		current, _, findErr := domain.FindOne(ctx, orders, domain.SystemQuery(domain.Where{"id": order.ID}))
		if findErr != nil {
			return domain.Order{}, fmt.Errorf("reload order %s: %w", order.ID, findErr)
		}
		return current, nil
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("mark order %s paid: %w", order.ID, err)
	}
	return updated, nil
}
